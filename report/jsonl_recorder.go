package report

import (
	"encoding/json"
	"os"
)

type jsonlRecorder struct {
	f   *os.File
	enc *json.Encoder
}

// Appends one JSON object per line to the file at path, creating it if needed.
func NewJSONLRecorder(path string) (Recorder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &jsonlRecorder{f: f, enc: json.NewEncoder(f)}, nil
}

func (r *jsonlRecorder) Record(rec *Record) error {
	err := r.enc.Encode(rec)
	if err != nil {
		return err
	}
	return r.f.Sync()
}

func (r *jsonlRecorder) Close() error {
	return r.f.Close()
}
