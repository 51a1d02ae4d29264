package vae

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Checkpoint format:
//
//   uint32 (little-endian)  header length
//   header                  JSON, see checkpointHeader
//   tensors                 every parameter then every buffer, in the order
//                           of VAE.Parameters and VAE.Buffers
//
// Tensors are written as little-endian float64, or as IEEE 754 half
// precision when the header says "f16". Half precision halves the file
// and loses ~3 decimal digits, which is fine for sampling but not for
// resuming training.
//
// The model's layer shapes depend on the image size, so the header records
// the input shape and Load rebuilds the model before reading weights.
//
// ===========================================================================

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/x448/float16"
)

// ErrCorruptCheckpoint indicates a checkpoint that does not match its header.
var ErrCorruptCheckpoint = errors.New("vae: corrupt checkpoint")

// DType is the on-disk precision of checkpoint tensors.
type DType string

const (
	DTypeF64 DType = "f64"
	DTypeF16 DType = "f16"
)

const checkpointVersion = 1

// maxHeaderLen bounds the JSON header read from a checkpoint.
const maxHeaderLen = 1 << 20

type checkpointHeader struct {
	Version    int       `json:"version"`
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
	DType      DType     `json:"dtype"`
	Config     Config    `json:"config"`
	InputShape []int     `json:"input_shape"`
	NumParams  int       `json:"num_params"`
	Training   bool      `json:"training"`
}

// CheckpointInfo describes a loaded checkpoint.
type CheckpointInfo struct {
	RunID     string
	CreatedAt time.Time
	DType     DType
}

// Save writes the model to w. The model must be built.
func (v *VAE) Save(w io.Writer, dtype DType) error {
	if !v.built {
		return ErrNotBuilt
	}
	if dtype == "" {
		dtype = DTypeF64
	}
	if dtype != DTypeF64 && dtype != DTypeF16 {
		return fmt.Errorf("unknown dtype %q", dtype)
	}

	header := checkpointHeader{
		Version:    checkpointVersion,
		RunID:      uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		DType:      dtype,
		Config:     v.Config(),
		InputShape: v.InputShape(),
		NumParams:  countParameters(v.Parameters()),
		Training:   v.training,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, t := range v.stateTensors() {
		if err := writeTensor(bw, t, dtype); err != nil {
			return fmt.Errorf("failed to write tensor %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// SaveFile writes the model to a file.
func (v *VAE) SaveFile(filename string, dtype DType) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := v.Save(f, dtype); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a model written by Save.
func Load(r io.Reader) (*VAE, *CheckpointInfo, error) {
	br := bufio.NewReader(r)

	var headerLen uint32
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("failed to read header length: %w", err)
	}
	if headerLen > maxHeaderLen {
		return nil, nil, fmt.Errorf("%w: header length %d exceeds %d", ErrCorruptCheckpoint, headerLen, maxHeaderLen)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(br, headerJSON); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if header.Version != checkpointVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptCheckpoint, header.Version)
	}
	if len(header.InputShape) != 3 {
		return nil, nil, fmt.Errorf("%w: input shape %v", ErrCorruptCheckpoint, header.InputShape)
	}

	model, err := New(header.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := model.Build(NewTensor(append([]int{1}, header.InputShape...)...)); err != nil {
		return nil, nil, err
	}
	if n := countParameters(model.Parameters()); n != header.NumParams {
		return nil, nil, fmt.Errorf("%w: header has %d parameters, model has %d", ErrCorruptCheckpoint, header.NumParams, n)
	}

	for i, t := range model.stateTensors() {
		if err := readTensor(br, t, header.DType); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %d: %v", ErrCorruptCheckpoint, i, err)
		}
	}
	model.SetTraining(header.Training)

	return model, &CheckpointInfo{
		RunID:     header.RunID,
		CreatedAt: header.CreatedAt,
		DType:     header.DType,
	}, nil
}

// LoadFile reads a model from a file.
func LoadFile(filename string) (*VAE, *CheckpointInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (v *VAE) stateTensors() []*Tensor {
	return append(v.Parameters(), v.Buffers()...)
}

func writeTensor(w io.Writer, t *Tensor, dtype DType) error {
	switch dtype {
	case DTypeF16:
		half := make([]uint16, len(t.data))
		for i, x := range t.data {
			half[i] = float16.Fromfloat32(float32(x)).Bits()
		}
		return binary.Write(w, binary.LittleEndian, half)
	default:
		return binary.Write(w, binary.LittleEndian, t.data)
	}
}

func readTensor(r io.Reader, t *Tensor, dtype DType) error {
	switch dtype {
	case DTypeF16:
		half := make([]uint16, len(t.data))
		if err := binary.Read(r, binary.LittleEndian, half); err != nil {
			return err
		}
		for i, h := range half {
			t.data[i] = float64(float16.Frombits(h).Float32())
		}
		return nil
	case DTypeF64:
		return binary.Read(r, binary.LittleEndian, t.data)
	default:
		return fmt.Errorf("unknown dtype %q", dtype)
	}
}
