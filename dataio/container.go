// Package dataio reads the processed inputs of a run (anndata-like containers
// and priors), serves cell batches to the trainers and writes checkpoints and
// exports.
package dataio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// Files of a container directory.
const (
	MatrixFile = "X.npy"
	ObsFile    = "obs.csv"
	VarFile    = "var.csv"
)

// ErrMissingColumn is returned when a required annotation column is absent.
var ErrMissingColumn = errors.New("missing annotation column")

// Container is a cells x features count matrix with per-cell (obs) and
// per-feature (var) annotations.
type Container struct {
	X        *mat.Dense
	ObsNames []string
	Obs      map[string][]string
	VarNames []string
	Var      map[string][]string
}

// LoadContainer reads X.npy, obs.csv and var.csv from dir.
func LoadContainer(dir string) (*Container, error) {
	x, err := ReadNpy(filepath.Join(dir, MatrixFile))
	if err != nil {
		return nil, err
	}
	obsNames, obs, err := readTable(filepath.Join(dir, ObsFile))
	if err != nil {
		return nil, err
	}
	varNames, vars, err := readTable(filepath.Join(dir, VarFile))
	if err != nil {
		return nil, err
	}

	r, c := x.Dims()
	if r != len(obsNames) || c != len(varNames) {
		return nil, fmt.Errorf("container %s: X is %dx%d but obs has %d rows and var %d rows",
			dir, r, c, len(obsNames), len(varNames))
	}
	log.Lvlf2("Loaded container %s: %d cells x %d features", dir, r, c)
	return &Container{X: x, ObsNames: obsNames, Obs: obs, VarNames: varNames, Var: vars}, nil
}

// ObsColumn returns the per-cell annotation called name.
func (c *Container) ObsColumn(name string) ([]string, error) {
	col, ok := c.Obs[name]
	if !ok {
		return nil, fmt.Errorf("%w: obs has no column %q", ErrMissingColumn, name)
	}
	return col, nil
}

// VarColumn returns the per-feature annotation called name.
func (c *Container) VarColumn(name string) ([]string, error) {
	col, ok := c.Var[name]
	if !ok {
		return nil, fmt.Errorf("%w: var has no column %q", ErrMissingColumn, name)
	}
	return col, nil
}

// ReadNpy reads a 2-D .npy array.
func ReadNpy(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &m, nil
}

// readTable reads a CSV file with a header row. The first column is the row
// index; the others are returned by header name.
func readTable(path string) ([]string, map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rd := csv.NewReader(f)
	header, err := rd.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	if len(header) == 0 {
		return nil, nil, fmt.Errorf("%s has an empty header", path)
	}

	var index []string
	cols := make(map[string][]string, len(header)-1)
	for _, name := range header[1:] {
		cols[name] = []string{}
	}
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}
		index = append(index, rec[0])
		for j, name := range header[1:] {
			cols[name] = append(cols[name], rec[j+1])
		}
	}
	return index, cols, nil
}
