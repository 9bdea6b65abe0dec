package dataio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bioFAM/scDoRI/model"
	"github.com/sbinet/npyio/npz"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// ErrMissingBlock is returned when a checkpoint lacks a parameter block and
// partial loading was not requested.
var ErrMissingBlock = errors.New("checkpoint is missing a parameter block")

// SaveCheckpoint writes the parameters of the given blocks (all blocks when
// none is given) to an .npz bundle at path. The previous file, if any, is
// replaced atomically.
func SaveCheckpoint(path string, p *model.Params, blocks ...model.Block) error {
	if len(blocks) == 0 {
		blocks = model.Blocks
	}
	var params []*model.Param
	for _, b := range blocks {
		params = append(params, p.InBlock(b)...)
	}

	var buf bytes.Buffer
	w := npz.NewWriter(&buf)
	for _, param := range params {
		if err := w.Write(param.Name, param.Value); err != nil {
			return fmt.Errorf("encoding %s: %w", param.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	log.Lvl2("Saved checkpoint", path)
	return nil
}

// LoadCheckpoint copies the tensors stored at path into p, block by block. A
// block is loaded only if all of its tensors are present. Missing blocks are
// an error unless partial is set, in which case they keep their current
// values. The loaded blocks are returned.
func LoadCheckpoint(path string, p *model.Params, partial bool) ([]model.Block, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint %s: %w", path, err)
	}
	defer r.Close()

	keys := make(map[string]string)
	for _, k := range r.Keys() {
		keys[strings.TrimSuffix(k, ".npy")] = k
	}

	var loaded []model.Block
	for _, block := range model.Blocks {
		params := p.InBlock(block)
		values := make(map[string]*mat.Dense, len(params))
		missing := ""
		for _, param := range params {
			key, ok := keys[param.Name]
			if !ok {
				missing = param.Name
				break
			}
			var m mat.Dense
			if err := r.Read(key, &m); err != nil {
				return nil, fmt.Errorf("reading %s from %s: %w", param.Name, path, err)
			}
			values[param.Name] = &m
		}
		if missing != "" {
			if !partial {
				return nil, fmt.Errorf("%w: %s lacks %s", ErrMissingBlock, path, missing)
			}
			log.Warn("Checkpoint", path, "has no", block, "block, keeping current values")
			continue
		}
		for name, v := range values {
			if err := p.Set(name, v); err != nil {
				return nil, err
			}
		}
		loaded = append(loaded, block)
	}
	log.Lvl2("Loaded", loaded, "from", path)
	return loaded, nil
}

// writeFileAtomic writes data to a temporary file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	f = nil
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
