package rollfile

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "rollfile: open csv")
	}
	defer f.Close() //nolint:errcheck

	return parseCSV(f)
}

func parseCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1 // allow ragged rows

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "rollfile: read csv row")
		}
		rows = append(rows, record)
	}
}
