package stats

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"alchemy/internal/hrex"
)

const (
	keyLambdas                      = "lambdas"
	keyPhiTrajByState               = "phi_traj_by_state"
	keyPhiTrajByStateHREX           = "phi_traj_by_state_hrex"
	keyReplicaIdxByStateByIter      = "replica_idx_by_state_by_iter"
	keyFractionAcceptedByPairByIter = "fraction_accepted_by_pair_by_iter"

	npyMagic     = "\x93NUMPY"
	npyAlignment = 64
	descrFloat64 = "<f8"
	descrInt64   = "<i8"
)

// Archive is the npz payload of a protocol run, loadable with numpy.load.
type Archive struct {
	Lambdas                      []float64
	PhiTrajByState               [][]float64
	PhiTrajByStateHREX           [][]float64
	ReplicaIdxByStateByIter      [][]int
	FractionAcceptedByPairByIter [][]float64
}

// Diagnostics rebuilds the exchange diagnostics stored in the archive.
func (a Archive) Diagnostics() (hrex.Diagnostics, error) {
	return hrex.NewDiagnostics(a.ReplicaIdxByStateByIter, a.FractionAcceptedByPairByIter)
}

type npyArray struct {
	descr string
	shape []int
	data  []byte
}

func WriteArchive(path string, a Archive) error {
	arrays := make(map[string]npyArray, 5)
	arrays[keyLambdas] = float64Array([]int{len(a.Lambdas)}, a.Lambdas)

	for key, rows := range map[string][][]float64{
		keyPhiTrajByState:               a.PhiTrajByState,
		keyPhiTrajByStateHREX:           a.PhiTrajByStateHREX,
		keyFractionAcceptedByPairByIter: a.FractionAcceptedByPairByIter,
	} {
		shape, err := rectangular(rows)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		flat := make([]float64, 0, shape[0]*shape[1])
		for _, row := range rows {
			flat = append(flat, row...)
		}
		arrays[key] = float64Array(shape, flat)
	}

	shape, err := rectangular(a.ReplicaIdxByStateByIter)
	if err != nil {
		return fmt.Errorf("%s: %w", keyReplicaIdxByStateByIter, err)
	}
	data := make([]byte, 0, 8*shape[0]*shape[1])
	for _, row := range a.ReplicaIdxByStateByIter {
		for _, v := range row {
			data = binary.LittleEndian.AppendUint64(data, uint64(int64(v)))
		}
	}
	arrays[keyReplicaIdxByStateByIter] = npyArray{descr: descrInt64, shape: shape, data: data}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	zw := zip.NewWriter(file)
	for _, key := range []string{keyLambdas, keyPhiTrajByState, keyPhiTrajByStateHREX, keyReplicaIdxByStateByIter, keyFractionAcceptedByPairByIter} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: key + ".npy", Method: zip.Deflate})
		if err != nil {
			return err
		}
		if err := writeNPY(w, arrays[key]); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return file.Sync()
}

func ReadArchive(path string) (Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Archive{}, err
	}
	defer zr.Close()

	arrays := make(map[string]npyArray, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return Archive{}, err
		}
		arr, err := readNPY(rc)
		rc.Close()
		if err != nil {
			return Archive{}, fmt.Errorf("%s: %w", f.Name, err)
		}
		arrays[strings.TrimSuffix(f.Name, ".npy")] = arr
	}

	var a Archive
	lambdas, ok := arrays[keyLambdas]
	if !ok {
		return Archive{}, fmt.Errorf("archive missing %s", keyLambdas)
	}
	if a.Lambdas, err = lambdas.float64s(); err != nil {
		return Archive{}, fmt.Errorf("%s: %w", keyLambdas, err)
	}
	for key, dst := range map[string]*[][]float64{
		keyPhiTrajByState:               &a.PhiTrajByState,
		keyPhiTrajByStateHREX:           &a.PhiTrajByStateHREX,
		keyFractionAcceptedByPairByIter: &a.FractionAcceptedByPairByIter,
	} {
		arr, ok := arrays[key]
		if !ok {
			return Archive{}, fmt.Errorf("archive missing %s", key)
		}
		flat, err := arr.float64s()
		if err != nil {
			return Archive{}, fmt.Errorf("%s: %w", key, err)
		}
		if *dst, err = split(flat, arr.shape); err != nil {
			return Archive{}, fmt.Errorf("%s: %w", key, err)
		}
	}

	perms, ok := arrays[keyReplicaIdxByStateByIter]
	if !ok {
		return Archive{}, fmt.Errorf("archive missing %s", keyReplicaIdxByStateByIter)
	}
	flat, err := perms.ints()
	if err != nil {
		return Archive{}, fmt.Errorf("%s: %w", keyReplicaIdxByStateByIter, err)
	}
	if len(perms.shape) != 2 {
		return Archive{}, fmt.Errorf("%s: expected 2 dimensions, got %d", keyReplicaIdxByStateByIter, len(perms.shape))
	}
	a.ReplicaIdxByStateByIter = make([][]int, perms.shape[0])
	for i := range a.ReplicaIdxByStateByIter {
		a.ReplicaIdxByStateByIter[i] = flat[i*perms.shape[1] : (i+1)*perms.shape[1]]
	}
	return a, nil
}

func rectangular[T any](rows [][]T) ([]int, error) {
	if len(rows) == 0 {
		return []int{0, 0}, nil
	}
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
	}
	return []int{len(rows), width}, nil
}

func split(flat []float64, shape []int) ([][]float64, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, got %d", len(shape))
	}
	rows := make([][]float64, shape[0])
	for i := range rows {
		rows[i] = flat[i*shape[1] : (i+1)*shape[1]]
	}
	return rows, nil
}

func float64Array(shape []int, values []float64) npyArray {
	data := make([]byte, 0, 8*len(values))
	for _, v := range values {
		data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
	}
	return npyArray{descr: descrFloat64, shape: shape, data: data}
}

func (a npyArray) count() int {
	n := 1
	for _, d := range a.shape {
		n *= d
	}
	return n
}

func (a npyArray) float64s() ([]float64, error) {
	if a.descr != descrFloat64 {
		return nil, fmt.Errorf("unsupported dtype %q", a.descr)
	}
	out := make([]float64, a.count())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.data[8*i:]))
	}
	return out, nil
}

func (a npyArray) ints() ([]int, error) {
	if a.descr != descrInt64 {
		return nil, fmt.Errorf("unsupported dtype %q", a.descr)
	}
	out := make([]int, a.count())
	for i := range out {
		out[i] = int(int64(binary.LittleEndian.Uint64(a.data[8*i:])))
	}
	return out, nil
}

// writeNPY writes format version 1.0: magic, version, little-endian uint16
// header length, then a python dict literal padded so the data is aligned.
func writeNPY(w io.Writer, a npyArray) error {
	dims := make([]string, len(a.shape))
	for i, d := range a.shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := strings.Join(dims, ", ")
	if len(a.shape) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", a.descr, shape)
	prefix := len(npyMagic) + 2 + 2
	pad := npyAlignment - (prefix+len(header)+1)%npyAlignment
	if pad == npyAlignment {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	buf.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(header))))
	buf.WriteString(header)
	buf.Write(a.data)
	_, err := w.Write(buf.Bytes())
	return err
}

func readNPY(r io.Reader) (npyArray, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return npyArray{}, err
	}
	if len(raw) < 10 || string(raw[:6]) != npyMagic {
		return npyArray{}, fmt.Errorf("not an npy file")
	}
	var headerLen, offset int
	switch raw[6] {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(raw[8:10]))
		offset = 10
	case 2, 3:
		if len(raw) < 12 {
			return npyArray{}, fmt.Errorf("truncated npy header")
		}
		headerLen = int(binary.LittleEndian.Uint32(raw[8:12]))
		offset = 12
	default:
		return npyArray{}, fmt.Errorf("unsupported npy version %d.%d", raw[6], raw[7])
	}
	if len(raw) < offset+headerLen {
		return npyArray{}, fmt.Errorf("truncated npy header")
	}
	header := string(raw[offset : offset+headerLen])

	descr, err := headerField(header, "descr", "'", "'")
	if err != nil {
		return npyArray{}, err
	}
	if order, _ := headerField(header, "fortran_order", "", ","); strings.TrimSpace(order) != "False" {
		return npyArray{}, fmt.Errorf("fortran order arrays are not supported")
	}
	shapeText, err := headerField(header, "shape", "(", ")")
	if err != nil {
		return npyArray{}, err
	}
	var shape []int
	for _, dim := range strings.Split(shapeText, ",") {
		dim = strings.TrimSpace(dim)
		if dim == "" {
			continue
		}
		n, err := strconv.Atoi(dim)
		if err != nil {
			return npyArray{}, fmt.Errorf("bad shape %q: %w", shapeText, err)
		}
		shape = append(shape, n)
	}

	a := npyArray{descr: descr, shape: shape, data: raw[offset+headerLen:]}
	if len(a.data) != 8*a.count() {
		return npyArray{}, fmt.Errorf("expected %d bytes of data, got %d", 8*a.count(), len(a.data))
	}
	return a, nil
}

func headerField(header, key, open, end string) (string, error) {
	marker := "'" + key + "':"
	i := strings.Index(header, marker)
	if i < 0 {
		return "", fmt.Errorf("npy header missing %s", key)
	}
	rest := strings.TrimSpace(header[i+len(marker):])
	if open != "" {
		if !strings.HasPrefix(rest, open) {
			return "", fmt.Errorf("npy header field %s is malformed", key)
		}
		rest = rest[len(open):]
	}
	j := strings.Index(rest, end)
	if j < 0 {
		return "", fmt.Errorf("npy header field %s is malformed", key)
	}
	return rest[:j], nil
}
