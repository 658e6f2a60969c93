package providers

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"

	"saas-knowledge-platform/models"
)

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func buildWorkbook(t *testing.T) []byte {
	t.Helper()

	f := excelize.NewFile()
	if _, err := f.NewSheet("Inventory"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	cells := []struct {
		ref   string
		value any
	}{
		{"A1", "Item"}, {"B1", "Qty"},
		{"A2", "bolts"}, {"B2", 12},
		{"A3", "nuts"}, {"B3", 7},
	}
	for _, c := range cells {
		if err := f.SetCellValue("Inventory", c.ref, c.value); err != nil {
			t.Fatalf("set cell %s: %v", c.ref, err)
		}
	}
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		t.Fatalf("delete default sheet: %v", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close workbook: %v", err)
	}
	return buf.Bytes()
}

func TestSpreadsheetExtract(t *testing.T) {
	p := NewSpreadsheetProvider()
	out, err := p.Extract(context.Background(), ExtractionInput{
		Filename: "inventory.xlsx",
		MimeType: xlsxMimeType,
		Data:     buildWorkbook(t),
	}, ExtractionOptions{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if out.PageCount != 2 {
		t.Fatalf("page count: got %d, want one per sheet", out.PageCount)
	}
	if len(out.Objects) != 2 {
		t.Fatalf("objects: got %d, want header and table (%+v)", len(out.Objects), out.Objects)
	}
	if len(out.FailedPages) != 0 {
		t.Fatalf("failed pages: %v", out.FailedPages)
	}

	header := out.Objects[0]
	if header.ObjectType != models.ObjectTypeHeader || header.Text != "Inventory" {
		t.Fatalf("header object: %+v", header)
	}
	if header.Page != 1 || header.Sequence != 0 {
		t.Fatalf("header position: page %d sequence %d", header.Page, header.Sequence)
	}

	table := out.Objects[1]
	if table.ObjectType != models.ObjectTypeTable || table.Page != 1 || table.Sequence != 1 {
		t.Fatalf("table object: %+v", table)
	}
	if table.Text != "Item\tQty\nbolts\t12\nnuts\t7" {
		t.Fatalf("table text: %q", table.Text)
	}

	headers, ok := table.Payload["headers"].([]string)
	if !ok || !reflect.DeepEqual(headers, []string{"Item", "Qty"}) {
		t.Fatalf("headers payload: %v", table.Payload["headers"])
	}
	rows, ok := table.Payload["rows"].([][]string)
	if !ok || len(rows) != 2 {
		t.Fatalf("rows payload: %v", table.Payload["rows"])
	}
	if !reflect.DeepEqual(rows[0], []string{"bolts", "12"}) || !reflect.DeepEqual(rows[1], []string{"nuts", "7"}) {
		t.Fatalf("row contents: %v", rows)
	}
	if table.Payload["sheet"] != "Inventory" {
		t.Fatalf("sheet payload: %v", table.Payload["sheet"])
	}
}

func TestSpreadsheetExtractRejectsGarbage(t *testing.T) {
	p := NewSpreadsheetProvider()
	_, err := p.Extract(context.Background(), ExtractionInput{
		Filename: "broken.xlsx",
		MimeType: "application/vnd.ms-excel",
		Data:     []byte("this is not a zip archive"),
	}, ExtractionOptions{})
	if !errors.Is(err, ErrFatalInput) {
		t.Fatalf("expected ErrFatalInput, got %v", err)
	}
}

func TestSpreadsheetSupports(t *testing.T) {
	p := NewSpreadsheetProvider()
	cases := []struct {
		mime string
		want bool
	}{
		{xlsxMimeType, true},
		{"application/vnd.ms-excel", true},
		{"text/csv", false},
		{"application/pdf", false},
	}
	for _, tc := range cases {
		if got := p.Supports(tc.mime); got != tc.want {
			t.Fatalf("Supports(%q) = %v, want %v", tc.mime, got, tc.want)
		}
	}
}
