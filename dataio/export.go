package dataio

import (
	"bytes"
	"encoding/csv"
	"fmt"

	gotoml "github.com/pelletier/go-toml"
	"github.com/sbinet/npyio"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// WriteNpy saves m as a .npy array at path.
func WriteNpy(path string, m mat.Matrix) error {
	var buf bytes.Buffer
	if err := npyio.Write(&buf, mat.DenseCopyOf(m)); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	log.Lvl2("Wrote", path)
	return nil
}

// WriteCSV saves a header and rows as CSV at path.
func WriteCSV(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	log.Lvlf2("Wrote %d rows to %s", len(rows), path)
	return nil
}

// WriteTOML marshals v with go-toml and saves it at path.
func WriteTOML(path string, v interface{}) error {
	data, err := gotoml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeFileAtomic(path, data)
}
