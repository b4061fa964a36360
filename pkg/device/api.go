package device

import (
	"context"
	"time"

	"github.com/tuyago/localtuya/pkg/protocol"
)

func (d *Device) now() int64 { return time.Now().Unix() }

func (d *Device) basePayload() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p := map[string]interface{}{
		"gwId":  d.rec.GwID,
		"devId": d.rec.ID,
		"t":     d.now(),
		"uid":   d.rec.ID,
	}
	if d.rec.Cid != "" {
		p["cid"] = d.rec.Cid
	}
	return p
}

func (d *Device) isQuirkyPayload(v interface{}) bool {
	s, ok := v.(string)
	return ok && (s == "json obj data unvalid" || s == "data format error")
}

// Get queries the device for the given DP ids. With no ids it returns the
// value of DP "1", with one id that DP's value, and with several the whole
// dps map.
func (d *Device) Get(ctx context.Context, dpIDs []string) (interface{}, error) {
	payload := d.basePayload()
	dps := map[string]interface{}{}
	for _, id := range dpIDs {
		dps[id] = nil
	}
	payload["dps"] = dps

	cmd := protocol.DP_QUERY
	if d.opts.Version.RequiresHandshake() {
		cmd = protocol.DP_QUERY_NEW
	}

	result, err := d.session.Get(ctx, cmd, payload)
	if err != nil {
		return nil, err
	}

	if d.opts.Version == protocol.V32 || d.isQuirkyPayload(result) {
		result, err = d.getCallAsSet(ctx)
		if err != nil {
			return nil, err
		}
	}

	return d.extractGetResult(result, dpIDs)
}

// getCallAsSet is the quirky-firmware fallback: a `set` with `set:null,
// isSetCallToGetData:true` elicits the same status reply via a different
// code path.
func (d *Device) getCallAsSet(ctx context.Context) (interface{}, error) {
	payload := d.basePayload()
	payload["set"] = nil
	payload["isSetCallToGetData"] = true

	cmd := protocol.CONTROL
	if d.opts.Version.RequiresHandshake() {
		cmd = protocol.CONTROL_NEW
	}
	return d.session.Set(ctx, cmd, payload)
}

func (d *Device) extractGetResult(result interface{}, dpIDs []string) (interface{}, error) {
	dps, ok := extractDPs(result)
	if !ok {
		return result, nil
	}
	if len(dpIDs) == 0 {
		return dps["1"], nil
	}
	if len(dpIDs) == 1 {
		return dps[dpIDs[0]], nil
	}
	return dps, nil
}

// Refresh requests the device's auto-tuned DP index set.
func (d *Device) Refresh(ctx context.Context) (interface{}, error) {
	payload := d.basePayload()
	payload["dpId"] = d.Record().RefreshDPIndices()

	result, err := d.session.Refresh(ctx, payload)
	if err != nil {
		return nil, err
	}
	if d.opts.Version == protocol.V32 || d.isQuirkyPayload(result) {
		return d.getCallAsSet(ctx)
	}
	return result, nil
}

// Set writes dps to the device, optionally waiting for its reply.
func (d *Device) Set(ctx context.Context, dps map[string]interface{}, shouldWaitForResponse bool) (interface{}, error) {
	payload := d.basePayload()

	cmd := protocol.CONTROL
	if d.opts.Version.RequiresHandshake() {
		cmd = protocol.CONTROL_NEW
		payload["data"] = map[string]interface{}{"ctype": 0, "dps": dps}
		payload["protocol"] = 5
	} else {
		payload["dps"] = dps
	}

	if !shouldWaitForResponse {
		go d.session.Set(context.Background(), cmd, payload)
		return nil, nil
	}
	return d.session.Set(ctx, cmd, payload)
}

// Toggle gets the current value of property, sets it to the negation, gets
// again, and returns the new value.
func (d *Device) Toggle(ctx context.Context, property string) (interface{}, error) {
	if property == "" {
		property = "1"
	}

	current, err := d.Get(ctx, []string{property})
	if err != nil {
		return nil, err
	}
	b, _ := current.(bool)

	if _, err := d.Set(ctx, map[string]interface{}{property: !b}, true); err != nil {
		return nil, err
	}

	return d.Get(ctx, []string{property})
}
