package device

import (
	"github.com/tuyago/localtuya/pkg/protocol"
)

// Record is the resolved device identity and last-known DP state, populated
// by New (from Options) and by Find when a caller supplies only one of
// ID/IP.
type Record struct {
	ID         string
	IP         string
	GwID       string
	Cid        string
	ProductKey string
	Version    protocol.Version
	DPs        map[string]interface{}
}

// RefreshDPIndices exposes the auto-tuned refresh index set computed during
// discovery: {4,5,6} for firmwares whose broadcast omits DP 19, {18,19,20}
// otherwise.
func (r Record) RefreshDPIndices() []int {
	if _, ok := r.DPs["19"]; ok {
		return []int{18, 19, 20}
	}
	return []int{4, 5, 6}
}

// NewRecord applies Options defaults, validates construction invariants via
// go-playground/validator, and returns the resulting Record.
func NewRecord(opts Options) (Record, error) {
	if err := opts.applyDefaults(); err != nil {
		return Record{}, err
	}
	if err := opts.validate(); err != nil {
		return Record{}, err
	}
	return Record{
		ID:      opts.ID,
		IP:      opts.IP,
		GwID:    opts.GwID,
		Cid:     opts.Cid,
		Version: opts.Version,
	}, nil
}
