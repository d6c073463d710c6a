package sheet

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ParseXLSX reads every worksheet of a workbook in workbook order.
func ParseXLSX(data []byte) ([]*Sheet, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	sheets := make([]*Sheet, 0, len(f.Sheets))
	for _, ws := range f.Sheets {
		records := make([][]string, 0, len(ws.Rows))
		for _, row := range ws.Rows {
			if row == nil {
				records = append(records, nil)
				continue
			}
			records = append(records, rowToStrings(row))
		}
		sheets = append(sheets, newSheet(ws.Name, records))
	}
	return sheets, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		if cell == nil {
			continue
		}
		cells[j] = cell.String()
	}
	return cells
}
