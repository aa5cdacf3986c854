package pi_short_circuit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"sort"
)

// RecordedData hands back files for the run bundle.
type RecordedData interface {
	GetRecordedData() map[*zip.FileHeader][]byte
}

// Recordable devices record only between StartRecording and StopRecording.
type Recordable interface {
	RecordedData

	StartRecording()
	StopRecording()
}

// Summary is the JSON digest stored with each run.
type Summary struct {
	Run        string
	Started    int64
	Rate       float64
	Onset      float64
	Samples    int
	MaxCurrent float64
	Decision   Decision
}

func (d Dataset) Summary() Summary {
	return Summary{
		Run:        d.Run,
		Started:    d.Started.UnixNano(),
		Rate:       d.Rate,
		Onset:      d.Onset,
		Samples:    len(d.Samples),
		MaxCurrent: d.MaxCurrent,
		Decision:   d.Decision,
	}
}

// GetRecordedData is the data log, the plot and a summary.
func (d Dataset) GetRecordedData() map[*zip.FileHeader][]byte {
	files := make(map[*zip.FileHeader][]byte)
	header := func(name string) *zip.FileHeader {
		return &zip.FileHeader{Name: name, Modified: d.Started, Method: zip.Deflate}
	}

	buf := new(bytes.Buffer)
	if err := d.WriteCSV(buf); err == nil {
		files[header(d.Run+".csv")] = buf.Bytes()
	}
	buf = new(bytes.Buffer)
	if err := d.WritePNG(buf); err == nil {
		files[header(d.Run+".png")] = buf.Bytes()
	}
	if b, err := json.MarshalIndent(d.Summary(), "", "  "); err == nil {
		files[header("summary.json")] = b
	}
	return files
}

// WriteBundle zips every recorded file from every source, sorted by name.
func WriteBundle(w io.Writer, sources ...RecordedData) error {
	zw := zip.NewWriter(w)

	var headers []*zip.FileHeader
	data := make(map[*zip.FileHeader][]byte)
	for _, src := range sources {
		if src == nil {
			continue
		}
		for h, b := range src.GetRecordedData() {
			headers = append(headers, h)
			data[h] = b
		}
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })

	for _, h := range headers {
		f, err := zw.CreateHeader(h)
		if err != nil {
			return err
		}
		if _, err := f.Write(data[h]); err != nil {
			return err
		}
	}
	return zw.Close()
}
