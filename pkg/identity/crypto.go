package identity

// Crypto seals the identity file. *crypto.AesCbc implements it.
type Crypto interface {
	Seal([]byte) ([]byte, error)
	Open([]byte) ([]byte, error)
}

// Plain stores the identity file as is.
type Plain struct{}

func (Plain) Seal(payload []byte) ([]byte, error) {
	return payload, nil
}

func (Plain) Open(payload []byte) ([]byte, error) {
	return payload, nil
}
