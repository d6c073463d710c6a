package sheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// candidateDelimiters are tried in order; ties go to the earlier one.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// sniffLines is how many leading lines the delimiter sniffer inspects.
const sniffLines = 10

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseDelimited reads delimited text into a single sheet. charset names
// an encoding from the WHATWG index ("windows-1252", "iso-8859-1", ...);
// empty means UTF-8.
func ParseDelimited(data []byte, charset string) (*Sheet, error) {
	if bytes.IndexByte(data, 0) >= 0 && charset == "" {
		return nil, eris.Wrap(ErrUnsupportedFormat, "sheet: binary content in delimited file")
	}

	var r io.Reader = bytes.NewReader(data)
	if charset != "" && !strings.EqualFold(charset, "utf-8") && !strings.EqualFold(charset, "utf8") {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "sheet: unknown charset %q", charset)
		}
		decoded, err := io.ReadAll(enc.NewDecoder().Reader(r))
		if err != nil {
			return nil, eris.Wrap(err, "sheet: decode charset")
		}
		data = decoded
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = SniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "sheet: read row")
		}
		records = append(records, record)
	}
	return newSheet("", records), nil
}

// SniffDelimiter picks the candidate delimiter that splits the leading lines
// most consistently. Quoted sections are ignored.
func SniffDelimiter(data []byte) rune {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() && len(lines) < sniffLines {
		if line := sc.Text(); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ','
	}

	best, bestScore := ',', 0
	for _, d := range candidateDelimiters {
		header := countUnquoted(lines[0], d)
		if header == 0 {
			continue
		}
		score := header
		for _, l := range lines[1:] {
			if countUnquoted(l, d) == header {
				score += header
			}
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func countUnquoted(line string, d rune) int {
	n := 0
	quoted := false
	for _, c := range line {
		switch {
		case c == '"':
			quoted = !quoted
		case c == d && !quoted:
			n++
		}
	}
	return n
}
