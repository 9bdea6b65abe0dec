package model

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Block groups parameters that are frozen or updated together.
type Block string

const (
	BlockEncoder   Block = "encoder"
	BlockTopicPeak Block = "topic_peak"
	BlockTopicTF   Block = "topic_tf"
	BlockPeakGene  Block = "peak_gene"
	BlockGRN       Block = "grn"
)

// Blocks lists every block in checkpoint order.
var Blocks = []Block{BlockEncoder, BlockTopicPeak, BlockTopicTF, BlockPeakGene, BlockGRN}

// Parameter names, prefixed by their block.
const (
	EncoderW1 = "encoder.w1"
	EncoderB1 = "encoder.b1"
	EncoderW2 = "encoder.w2"
	EncoderB2 = "encoder.b2"
	EncoderW3 = "encoder.w3"
	EncoderB3 = "encoder.b3"

	TopicPeakDecoder    = "topic_peak.decoder"
	TopicPeakBatch      = "topic_peak.batch"
	TopicPeakDispersion = "topic_peak.dispersion"

	TopicTFDecoder    = "topic_tf.decoder"
	TopicTFBatch      = "topic_tf.batch"
	TopicTFDispersion = "topic_tf.dispersion"

	PeakGeneFactor     = "peak_gene.factor"
	PeakGeneBatch      = "peak_gene.batch"
	PeakGeneDispersion = "peak_gene.dispersion"

	GRNActivator  = "grn.activator"
	GRNRepressor  = "grn.repressor"
	GRNBatch      = "grn.batch"
	GRNDispersion = "grn.dispersion"
)

// Param is one named learnable tensor.
type Param struct {
	Name  string
	Block Block
	Value *mat.Dense
	// NonNegative parameters are projected onto [0, inf) after every update.
	NonNegative bool
}

// Grads maps parameter names to gradients of the same shape.
type Grads map[string]*mat.Dense

// Params is the parameter store of a Model together with the per-block
// trainable capability toggled by the trainers.
type Params struct {
	list      []*Param
	byName    map[string]*Param
	trainable map[Block]bool
}

func newParams() *Params {
	p := &Params{
		byName:    make(map[string]*Param),
		trainable: make(map[Block]bool),
	}
	for _, b := range Blocks {
		p.trainable[b] = true
	}
	return p
}

func (p *Params) add(block Block, name string, value *mat.Dense, nonNegative bool) {
	param := &Param{Name: name, Block: block, Value: value, NonNegative: nonNegative}
	p.list = append(p.list, param)
	p.byName[name] = param
}

// Get returns the tensor registered under name, or nil.
func (p *Params) Get(name string) *mat.Dense {
	if param, ok := p.byName[name]; ok {
		return param.Value
	}
	return nil
}

// Lookup returns the Param registered under name.
func (p *Params) Lookup(name string) (*Param, bool) {
	param, ok := p.byName[name]
	return param, ok
}

// All returns every parameter in registration order.
func (p *Params) All() []*Param {
	return p.list
}

// InBlock returns the parameters of block b.
func (p *Params) InBlock(b Block) []*Param {
	var out []*Param
	for _, param := range p.list {
		if param.Block == b {
			out = append(out, param)
		}
	}
	return out
}

// SetTrainable enables or disables updates for block b.
func (p *Params) SetTrainable(b Block, on bool) {
	p.trainable[b] = on
}

// Trainable reports whether block b receives updates.
func (p *Params) Trainable(b Block) bool {
	return p.trainable[b]
}

// TrainableBlocks returns the enabled blocks, sorted by name.
func (p *Params) TrainableBlocks() []Block {
	var out []Block
	for b, on := range p.trainable {
		if on {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot deep-copies every tensor.
func (p *Params) Snapshot() map[string]*mat.Dense {
	snap := make(map[string]*mat.Dense, len(p.list))
	for _, param := range p.list {
		snap[param.Name] = mat.DenseCopyOf(param.Value)
	}
	return snap
}

// Restore copies the tensors of snap back into the store. Every name of snap
// must exist with the same shape.
func (p *Params) Restore(snap map[string]*mat.Dense) error {
	for name, value := range snap {
		if err := p.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// Set copies value into the tensor registered under name.
func (p *Params) Set(name string, value mat.Matrix) error {
	param, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	r, c := param.Value.Dims()
	vr, vc := value.Dims()
	if r != vr || c != vc {
		return fmt.Errorf("%w: parameter %s is %dx%d, got %dx%d", ErrDimension, name, r, c, vr, vc)
	}
	param.Value.Copy(value)
	return nil
}
