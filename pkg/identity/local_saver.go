// LocalSaver keeps the identity of a client between runs: its peer id (p1) and an
// optional display name (p2). Both are written to IdentityFile sealed with Crypto
// (see: Save()) and read back with Load().
//
// The sealed payload is "${len(p1)}${p1}${len(p2)}${p2}" with one length byte per
// field (see: writeField() and readField()).

package identity

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"peercall/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxField = 255

var ErrFieldTooLong = errors.New("identity field longer than 255 bytes")

type Identity struct {
	Peer signal.PeerID
	Name string
}

type LocalSaver struct {
	cfg LocalSaverConfig

	crypto Crypto
}

type LocalSaverConfig struct {
	IdentityFile string
}

func NewLocalSaver(cfg LocalSaverConfig, crypto Crypto) *LocalSaver {
	if crypto == nil {
		crypto = Plain{}
	}

	return &LocalSaver{
		cfg:    cfg,
		crypto: crypto,
	}
}

func (m *LocalSaver) Save(id Identity) error {
	buf := &bytes.Buffer{}

	if err := m.writeField(buf, string(id.Peer)); err != nil {
		return err
	}

	if err := m.writeField(buf, id.Name); err != nil {
		return err
	}

	sealed, err := m.crypto.Seal(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "seal identity")
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.IdentityFile), 0o700); err != nil {
		return err
	}

	return os.WriteFile(m.cfg.IdentityFile, sealed, 0o600)
}

func (m *LocalSaver) Load() (Identity, error) {
	payload, err := os.ReadFile(m.cfg.IdentityFile)
	if err != nil {
		return Identity{}, err
	}

	opened, err := m.crypto.Open(payload)
	if err != nil {
		return Identity{}, errors.Wrap(err, "open identity")
	}

	buf := bytes.NewBuffer(opened)

	peer, err := m.readField(buf)
	if err != nil {
		return Identity{}, errors.Wrap(err, "peer id")
	}

	name, err := m.readField(buf)
	if err != nil {
		return Identity{}, errors.Wrap(err, "name")
	}

	if peer == "" {
		return Identity{}, errors.New("identity file has an empty peer id")
	}

	return Identity{Peer: signal.PeerID(peer), Name: name}, nil
}

// LoadOrCreate returns the saved identity, creating one with a fresh peer id on first
// run. name only applies to a newly created identity.
func (m *LocalSaver) LoadOrCreate(name string) (Identity, bool, error) {
	id, err := m.Load()
	if err == nil {
		return id, false, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, false, err
	}

	id = Identity{
		Peer: signal.PeerID(uuid.New().String()),
		Name: name,
	}

	if err := m.Save(id); err != nil {
		return Identity{}, false, err
	}

	return id, true, nil
}

func (m *LocalSaver) writeField(w io.Writer, field string) error {
	b := []byte(field)
	if len(b) > maxField {
		return ErrFieldTooLong
	}

	if err := binary.Write(w, binary.BigEndian, uint8(len(b))); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, b)
}

func (m *LocalSaver) readField(r io.Reader) (string, error) {
	var length uint8

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	b := make([]byte, length)

	return string(b), binary.Read(r, binary.BigEndian, b)
}
