package domain

import (
	"time"
)

// Column describes one column of a loaded dataset table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DatasetRef identifies the dataset currently bound to a session.
type DatasetRef struct {
	FileID   string    `json:"file_id"`
	FileName string    `json:"file_name"`
	Table    string    `json:"table"`
	Columns  []Column  `json:"columns"`
	Rows     int       `json:"rows"`
	Size     int64     `json:"size"`
	LoadedAt time.Time `json:"loaded_at"`
}

// SameFile returns true if both references point at the same uploaded file.
// A nil reference only matches another nil reference.
func (d *DatasetRef) SameFile(fileID string) bool {
	if d == nil {
		return fileID == ""
	}
	return d.FileID == fileID
}

// ColumnNames returns the column names in table order.
func (d *DatasetRef) ColumnNames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}
