// Package discovery resolves an unknown ip (given id) or unknown id (given
// ip) by listening on the two well-known UDP broadcast ports devices
// announce themselves on.
package discovery

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tuyago/localtuya/internal/logger"
	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/codec"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

const (
	plaintextPort = 6666
	encryptedPort = 6667
)

// udpKey is the well-known 16-byte secret, MD5("yGAdlopoPVldABfn"), that
// every device's broadcast is encrypted under.
var udpKey = md5.Sum([]byte("yGAdlopoPVldABfn"))

// Broadcast is one parsed device announcement.
type Broadcast struct {
	ID         string
	IP         string
	ProductKey string
	Version    protocol.Version
	DPs        map[string]interface{}
}

// RefreshDPIndices picks the auto-tuned DP index set: firmwares that omit
// DP 19 from their broadcast use the older {4,5,6} set.
func (b Broadcast) RefreshDPIndices() []int {
	if _, ok := b.DPs["19"]; ok {
		return []int{18, 19, 20}
	}
	return []int{4, 5, 6}
}

// Options configures a Find/FindAll call.
type Options struct {
	ID       string
	IP       string
	LocalKey []byte
	Timeout  time.Duration
	All      bool
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 10 * time.Second
}

// Discovery listens on the two broadcast ports and resolves Find/FindAll
// calls against incoming announcements.
type Discovery struct {
	log *logger.Logger
}

// New builds a Discovery collaborator.
func New(log *logger.Logger) *Discovery {
	if log == nil {
		log = logger.Get()
	}
	return &Discovery{log: log.WithComponent("discovery")}
}

// Find resolves the single device matching opts.ID or opts.IP, failing with
// tuyaerr.FindTimeout if nothing matches within opts.Timeout.
func (d *Discovery) Find(ctx context.Context, opts Options) (Broadcast, error) {
	opts.All = false
	results, err := d.run(ctx, opts)
	if err != nil {
		return Broadcast{}, err
	}
	return results[0], nil
}

// FindAll accumulates every distinct (id, ip) broadcast observed until
// opts.Timeout elapses.
func (d *Discovery) FindAll(ctx context.Context, opts Options) ([]Broadcast, error) {
	opts.All = true
	return d.run(ctx, opts)
}

func (d *Discovery) run(ctx context.Context, opts Options) ([]Broadcast, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	plainConn, err := listenUDP(plaintextPort)
	if err != nil {
		return nil, err
	}
	defer plainConn.Close()

	cryptConn, err := listenUDP(encryptedPort)
	if err != nil {
		return nil, err
	}
	defer cryptConn.Close()

	seen := cache.New(opts.timeout(), opts.timeout())

	out := make(chan Broadcast, 16)
	var wg sync.WaitGroup
	wg.Add(2)
	go d.readLoop(ctx, plainConn, opts, seen, out, &wg)
	go d.readLoop(ctx, cryptConn, opts, seen, out, &wg)
	go func() {
		wg.Wait()
		close(out)
	}()

	var results []Broadcast
	for b := range out {
		results = append(results, b)
		if !opts.All {
			cancel()
		}
	}

	if len(results) == 0 {
		return nil, tuyaerr.New(tuyaerr.FindTimeout, "no matching broadcast observed before timeout")
	}
	return results, nil
}

func listenUDP(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.SocketError, fmt.Sprintf("listen udp :%d", port), err)
	}
	return conn, nil
}

func (d *Discovery) readLoop(ctx context.Context, conn *net.UDPConn, opts Options, seen *cache.Cache, out chan<- Broadcast, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		b, ok := d.parse(buf[:n], opts)
		if !ok {
			continue
		}
		if !matches(b, opts) {
			continue
		}
		key := b.ID + "|" + b.IP
		if _, found := seen.Get(key); found {
			continue
		}
		seen.Set(key, true, cache.DefaultExpiration)

		select {
		case out <- b:
		case <-ctx.Done():
			return
		}
	}
}

func matches(b Broadcast, opts Options) bool {
	if opts.All {
		return true
	}
	if opts.ID != "" && b.ID == opts.ID {
		return true
	}
	if opts.IP != "" && b.IP == opts.IP {
		return true
	}
	return opts.ID == "" && opts.IP == ""
}

// parse decodes a raw broadcast datagram, trying the well-known UDP key
// first and falling back to the caller's local key, since some firmwares
// broadcast encrypted under the device key instead.
func (d *Discovery) parse(raw []byte, opts Options) (Broadcast, bool) {
	for _, key := range candidateKeys(opts.LocalKey) {
		for _, v := range []protocol.Version{protocol.V33, protocol.V34} {
			c, err := cipher.New(v, key, d.log)
			if err != nil {
				continue
			}
			cd := codec.New(c, v)
			frames, _, err := cd.Decode(raw, codec.DecodeOptions{SkipIntegrityCheck: true})
			if err != nil || len(frames) == 0 {
				continue
			}
			if b, ok := toBroadcast(frames[0]); ok {
				return b, true
			}
		}
	}
	return Broadcast{}, false
}

func candidateKeys(localKey []byte) [][]byte {
	keys := [][]byte{udpKey[:]}
	if len(localKey) == 16 {
		keys = append(keys, localKey)
	}
	return keys
}

func toBroadcast(f codec.Frame) (Broadcast, bool) {
	m, ok := f.Payload.(map[string]interface{})
	if !ok {
		raw, ok := f.Payload.(string)
		if !ok {
			return Broadcast{}, false
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return Broadcast{}, false
		}
		m = parsed
	}

	b := Broadcast{}
	if id, ok := m["gwId"].(string); ok {
		b.ID = id
	}
	if ip, ok := m["ip"].(string); ok {
		b.IP = ip
	}
	if pk, ok := m["productKey"].(string); ok {
		b.ProductKey = pk
	}
	if v, ok := m["version"].(string); ok {
		if pv, err := protocol.ParseVersion(v); err == nil {
			b.Version = pv
		}
	}
	if dps, ok := m["dps"].(map[string]interface{}); ok {
		b.DPs = dps
	}
	if b.ID == "" && b.IP == "" {
		return Broadcast{}, false
	}
	return b, true
}
