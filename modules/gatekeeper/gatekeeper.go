// Package gatekeeper implements the "gatekeeper" HAL class: password
// enrollment and verification with scrypt-hardened handles, HMAC auth
// tokens, and failure throttling.
//
// An enrollment handle is an opaque blob the caller stores and hands
// back on verify. It binds a random secure user id to the password so
// re-enrolling with the old password keeps the id stable, while a
// fresh enroll (or a wrong old password) mints a new one.
package gatekeeper

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/types"
	"devicehal-go/x/timex"
)

const (
	Class  = "gatekeeper"
	Driver = "gatekeeper.soft"

	handleVersion = 1
	handleLen     = 1 + 16 + 16 + 32 // version | secure user id | salt | hash

	hashLen = 32
	saltLen = 16

	// DefaultScryptN is the scrypt cost parameter. Must be a power of
	// two greater than one.
	DefaultScryptN = 1 << 15
	scryptR        = 8
	scryptP        = 1
)

// Throttling kicks in after freeFailures wrong guesses, starting at
// baseTimeout and doubling every throttleStep further failures.
const (
	freeFailures = 4
	throttleStep = 5
	baseTimeout  = int64(30_000)
	maxTimeout   = int64(3_600_000)
)

var nowMs = timex.NowMs

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "Software gatekeeper HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0100 }
func (*Module) Close() error    { return nil }

type Params struct {
	// ScryptN overrides the cost parameter, mainly for tests.
	ScryptN int `json:"scrypt_n,omitempty" yaml:"scrypt_n,omitempty"`
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "gatekeeper.open", Err: err}
	}
	if p.ScryptN == 0 {
		p.ScryptN = DefaultScryptN
	}
	if p.ScryptN < 2 || p.ScryptN&(p.ScryptN-1) != 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "gatekeeper.open", Msg: "scrypt_n must be a power of two"}
	}
	if name == "" {
		name = Class
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, &errcode.E{C: errcode.NoInit, Op: "gatekeeper.open", Err: err}
	}
	return &Device{
		id:       name,
		scryptN:  p.ScryptN,
		tokenKey: key,
		failures: map[uint32]*failureRecord{},
	}, nil
}

type failureRecord struct {
	count  int
	lastMs int64
}

type Device struct {
	id      string
	scryptN int

	// tokenKey signs auth tokens for this boot session.
	tokenKey []byte

	mu       sync.Mutex
	failures map[uint32]*failureRecord
	closed   bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []hw.CapabilitySpec {
	return []hw.CapabilitySpec{{
		Kind: types.KindGatekeeper,
		Info: types.Info{SchemaVersion: 1, Driver: Driver},
	}}
}

func (d *Device) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	switch verb {
	case "enroll":
		var p types.GatekeeperEnroll
		if err := hw.Decode(payload, &p); err != nil || len(p.Password) == 0 {
			return nil, errcode.InvalidPayload
		}
		return d.Enroll(p)
	case "verify":
		var p types.GatekeeperVerify
		if err := hw.Decode(payload, &p); err != nil || len(p.Password) == 0 {
			return nil, errcode.InvalidPayload
		}
		return d.Verify(p)
	case "delete_user":
		var p types.GatekeeperEnroll
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return nil, errcode.DeadObject
		}
		delete(d.failures, p.UID)
		return types.OKReply{OK: true}, nil
	default:
		return nil, errcode.Unsupported
	}
}

// Enroll hashes the desired password into a fresh handle. When an old
// handle and password are supplied, they must verify first; the secure
// user id then carries over to the new handle.
func (d *Device) Enroll(req types.GatekeeperEnroll) (*types.GatekeeperResult, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errcode.DeadObject
	}

	var sid uuid.UUID
	if len(req.OldHandle) > 0 {
		h, err := parseHandle(req.OldHandle)
		if err != nil {
			return nil, err
		}
		ok, err := d.matches(h, req.OldPassword)
		if err != nil {
			return nil, err
		}
		if !ok {
			d.recordFailure(req.UID)
			return nil, errcode.InvalidOperation
		}
		sid = h.sid
	} else {
		sid = uuid.New()
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "gatekeeper: salt")
	}
	hash, err := d.hash(req.Password, salt)
	if err != nil {
		return nil, err
	}
	d.clearFailures(req.UID)
	return &types.GatekeeperResult{Handle: encodeHandle(handle{sid: sid, salt: salt, hash: hash})}, nil
}

// Verify checks a password against a handle and, on success, returns
// an auth token for the challenge. Wrong passwords count toward the
// per-user throttle; while throttled the result carries the remaining
// wait and no verification is attempted.
func (d *Device) Verify(req types.GatekeeperVerify) (*types.GatekeeperResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errcode.DeadObject
	}
	if wait := d.retryAfterLocked(req.UID); wait > 0 {
		d.mu.Unlock()
		return &types.GatekeeperResult{RetryAfter: wait}, errcode.Throttled
	}
	d.mu.Unlock()

	h, err := parseHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	ok, err := d.matches(h, req.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		d.recordFailure(req.UID)
		return nil, errcode.InvalidOperation
	}
	d.clearFailures(req.UID)
	return &types.GatekeeperResult{Token: d.mintToken(req.Challenge, h.sid)}, nil
}

// RetryAfter reports the remaining throttle wait for a user in ms.
func (d *Device) RetryAfter(uid uint32) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retryAfterLocked(uid)
}

// VerifyToken checks an auth token's signature and challenge binding.
func (d *Device) VerifyToken(token []byte, challenge uint64) bool {
	if len(token) != 8+16+8+hashLen {
		return false
	}
	body, mac := token[:8+16+8], token[8+16+8:]
	if binary.BigEndian.Uint64(body[:8]) != challenge {
		return false
	}
	m := hmac.New(sha256.New, d.tokenKey)
	m.Write(body)
	return hmac.Equal(mac, m.Sum(nil))
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// ---- internals ----

type handle struct {
	sid  uuid.UUID
	salt []byte
	hash []byte
}

func encodeHandle(h handle) []byte {
	out := make([]byte, 0, handleLen)
	out = append(out, handleVersion)
	out = append(out, h.sid[:]...)
	out = append(out, h.salt...)
	out = append(out, h.hash...)
	return out
}

func parseHandle(b []byte) (handle, error) {
	if len(b) != handleLen || b[0] != handleVersion {
		return handle{}, errcode.BadValue
	}
	var h handle
	copy(h.sid[:], b[1:17])
	h.salt = b[17 : 17+saltLen]
	h.hash = b[17+saltLen:]
	return h, nil
}

func (d *Device) hash(password, salt []byte) ([]byte, error) {
	out, err := scrypt.Key(password, salt, d.scryptN, scryptR, scryptP, hashLen)
	if err != nil {
		return nil, errors.Wrap(err, "gatekeeper: scrypt")
	}
	return out, nil
}

func (d *Device) matches(h handle, password []byte) (bool, error) {
	got, err := d.hash(password, h.salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, h.hash) == 1, nil
}

func (d *Device) mintToken(challenge uint64, sid uuid.UUID) []byte {
	body := make([]byte, 0, 8+16+8)
	body = binary.BigEndian.AppendUint64(body, challenge)
	body = append(body, sid[:]...)
	body = binary.BigEndian.AppendUint64(body, uint64(nowMs()))
	m := hmac.New(sha256.New, d.tokenKey)
	m.Write(body)
	return m.Sum(body)
}

func (d *Device) recordFailure(uid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.failures[uid]
	if r == nil {
		r = &failureRecord{}
		d.failures[uid] = r
	}
	r.count++
	r.lastMs = nowMs()
}

func (d *Device) clearFailures(uid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, uid)
}

func (d *Device) retryAfterLocked(uid uint32) int64 {
	r := d.failures[uid]
	if r == nil || r.count <= freeFailures {
		return 0
	}
	timeout := baseTimeout
	for n := r.count - freeFailures - 1; n >= throttleStep; n -= throttleStep {
		timeout *= 2
		if timeout >= maxTimeout {
			timeout = maxTimeout
			break
		}
	}
	remaining := r.lastMs + timeout - nowMs()
	if remaining < 0 {
		return 0
	}
	return remaining
}
