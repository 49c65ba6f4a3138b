// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/entraauth/tokencore/internal/json"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
)

// The legacy persisted format predates the unified JSON contract. It is a
// binary blob: a little-endian int32 schema version, an int32 entry count,
// then per entry a key string and a value string, both length-prefixed the
// way .NET's BinaryWriter encodes strings (7-bit variable-length byte count,
// then UTF-8 bytes). Keys join environment, resource, client ID and subject
// type with ":::". Older library versions still read and write this blob, so
// it must stay byte-compatible.
const (
	legacySchemaVersion = int32(4)
	legacyDelimiter     = ":::"

	// legacySubjectTypeUser marks entries acquired interactively on behalf
	// of a user, the only subject type the silent flow redeems.
	legacySubjectTypeUser = 1
)

// legacyRecord is the per-entry value blob. It is JSON inside the binary
// envelope so unknown fields written by newer versions survive a round trip.
type legacyRecord struct {
	RefreshToken  string `json:"refresh_token,omitempty"`
	HomeAccountID string `json:"home_account_id,omitempty"`
	Realm         string `json:"realm,omitempty"`
	FamilyID      string `json:"family_id,omitempty"`

	AdditionalFields map[string]interface{}
}

// MarshalLegacy serializes the cache's refresh tokens to the legacy binary
// format. Entries the legacy format cannot represent, such as access tokens,
// are not included; legacy consumers re-acquire them from the refresh token.
func (m *Manager) MarshalLegacy() ([]byte, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	keys := make([]string, 0, len(m.contract.RefreshTokens))
	for k := range m.contract.RefreshTokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, legacySchemaVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(len(keys))); err != nil {
		return nil, err
	}
	for _, k := range keys {
		rt := m.contract.RefreshTokens[k]
		entryKey := strings.Join(
			[]string{rt.Environment, rt.Target, rt.ClientID, fmt.Sprintf("%d", legacySubjectTypeUser)},
			legacyDelimiter,
		)
		record, err := json.Marshal(legacyRecord{
			RefreshToken:  rt.Secret,
			HomeAccountID: rt.HomeAccountID,
			Realm:         rt.Realm,
			FamilyID:      rt.FamilyID,
		})
		if err != nil {
			return nil, err
		}
		if err := writeLegacyString(buf, entryKey); err != nil {
			return nil, err
		}
		if err := writeLegacyString(buf, string(record)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalLegacy loads a legacy binary blob into the cache. A blob with an
// unrecognized schema version is discarded whole rather than partially read;
// that is not an error, just a cache that starts empty. The format carries no
// per-entry versioning, so a partial read of a changed layout could produce
// corrupt credentials.
func (m *Manager) UnmarshalLegacy(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	r := bytes.NewReader(b)

	var version int32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("legacy cache blob is truncated: %w", err)
	}
	if version != legacySchemaVersion {
		m.log.Warn().
			Int32("version", version).
			Int32("expected", legacySchemaVersion).
			Msg("persisted cache schema version mismatch, skipping deserialization")
		return nil
	}

	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("legacy cache blob is truncated: %w", err)
	}
	// The count is untrusted input. Each entry consumes at least two bytes of
	// the remaining blob, so a count beyond that is corrupt, not just large.
	if count < 0 || int64(count) > int64(r.Len()) {
		return fmt.Errorf("legacy cache blob declares %d entries in %d remaining bytes", count, r.Len())
	}

	// Decode and validate every entry before touching the contract so a blob
	// that turns out corrupt partway through leaves the cache as it was.
	rts := make([]accesstokens.RefreshToken, 0, count)
	for n := int32(0); n < count; n++ {
		key, err := readLegacyString(r)
		if err != nil {
			return fmt.Errorf("legacy cache entry %d: %w", n, err)
		}
		value, err := readLegacyString(r)
		if err != nil {
			return fmt.Errorf("legacy cache entry %d: %w", n, err)
		}
		var record legacyRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return fmt.Errorf("legacy cache entry %d: %w", n, err)
		}
		parts := strings.Split(key, legacyDelimiter)
		if len(parts) != 4 {
			return fmt.Errorf("legacy cache key %q: expected 4 parts, got %d", key, len(parts))
		}
		env, target, clientID := parts[0], parts[1], parts[2]

		rt := accesstokens.NewRefreshToken(record.HomeAccountID, env, clientID, record.RefreshToken, record.FamilyID)
		rt.Realm = record.Realm
		rt.Target = target
		rts = append(rts, rt)
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for _, rt := range rts {
		m.writeRefreshToken(rt)
	}
	return nil
}

// legacyBlob reports whether b is the legacy binary envelope rather than the
// unified JSON contract. JSON opens with '{' after any leading whitespace;
// the legacy envelope opens with its little-endian schema version.
func legacyBlob(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c != '{'
	}
	return false
}

// writeLegacyString writes s the way .NET BinaryWriter.Write(string) does:
// byte length as a 7-bit variable-length integer, then the UTF-8 bytes.
func writeLegacyString(w io.Writer, s string) error {
	b := []byte(s)
	n := uint32(len(b))
	for n >= 0x80 {
		if _, err := w.Write([]byte{byte(n) | 0x80}); err != nil {
			return err
		}
		n >>= 7
	}
	if _, err := w.Write([]byte{byte(n)}); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readLegacyString is the inverse of writeLegacyString.
func readLegacyString(r *bytes.Reader) (string, error) {
	var length uint32
	var shift uint
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		length |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 28 {
			return "", fmt.Errorf("invalid string length prefix")
		}
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
