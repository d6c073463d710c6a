package sheet

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
)

// maxZIPMember caps the uncompressed size of a single archive member.
const maxZIPMember = 512 << 20

// ParseZIP reads every CSV/TSV/XLSX member of an archive in archive order.
// Members with absolute or parent-relative names are rejected.
func ParseZIP(ctx context.Context, data []byte) ([]*Sheet, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}

	var sheets []*Sheet
	for _, f := range r.File {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "zip: context cancelled")
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if !safeName(f.Name) {
			return nil, eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
		}
		base := path.Base(f.Name)
		if strings.HasPrefix(base, ".") || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}

		ext := strings.ToLower(path.Ext(base))
		if ext != ".csv" && ext != ".tsv" && ext != ".txt" && ext != ".xlsx" {
			continue
		}

		body, err := readMember(f)
		if err != nil {
			return nil, err
		}

		if ext == ".xlsx" {
			ws, err := ParseXLSX(body)
			if err != nil {
				return nil, eris.Wrapf(err, "zip: member %q", f.Name)
			}
			sheets = append(sheets, ws...)
			continue
		}
		s, err := ParseDelimited(body, "")
		if err != nil {
			return nil, eris.Wrapf(err, "zip: member %q", f.Name)
		}
		s.Name = strings.TrimSuffix(base, path.Ext(base))
		sheets = append(sheets, s)
	}

	if len(sheets) == 0 {
		return nil, eris.Wrap(ErrUnsupportedFormat, "zip: no tabular members")
	}
	return sheets, nil
}

func safeName(name string) bool {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	clean := path.Clean(name)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(rc, maxZIPMember+1))
	if err != nil {
		return nil, eris.Wrap(err, "zip: read entry")
	}
	if len(body) > maxZIPMember {
		return nil, eris.Errorf("zip: member %q exceeds %s", f.Name, humanize.IBytes(maxZIPMember))
	}
	return body, nil
}
