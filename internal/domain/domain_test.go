package domain

import "testing"

func TestCredentialsIsZero(t *testing.T) {
	if !(Credentials{APIKey: "   "}).IsZero() {
		t.Error("Expected blank key to be zero")
	}
	if (Credentials{APIKey: "sk-test"}).IsZero() {
		t.Error("Expected non-empty key to be usable")
	}
}

func TestCredentialsEqual(t *testing.T) {
	a := Credentials{APIKey: "k", Model: "gpt-4", Temperature: 0.2}
	b := a
	if !a.Equal(b) {
		t.Error("Expected identical credentials to be equal")
	}
	b.Model = "gpt-3.5-turbo"
	if a.Equal(b) {
		t.Error("Expected model change to make credentials differ")
	}
}

func TestDatasetRefSameFile(t *testing.T) {
	var none *DatasetRef
	if !none.SameFile("") {
		t.Error("Expected nil ref to match empty slot")
	}
	if none.SameFile("abc") {
		t.Error("Expected nil ref not to match a file")
	}

	ref := &DatasetRef{FileID: "abc", Columns: []Column{{Name: "id"}, {Name: "amount"}}}
	if !ref.SameFile("abc") || ref.SameFile("def") || ref.SameFile("") {
		t.Error("Unexpected SameFile result")
	}
	if got := ref.ColumnNames(); len(got) != 2 || got[0] != "id" || got[1] != "amount" {
		t.Errorf("Unexpected column names %v", got)
	}
}
