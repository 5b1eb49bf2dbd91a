package services

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var compareDigests = subtle.ConstantTimeCompare

// AdminAuth checks the single shared admin secret. The secret is either a
// plaintext password, compared as SHA-256 digests in constant time so the
// comparison does not depend on length or common prefix, or a bcrypt hash.
//
// TODO: move to per-admin credentials if more than one operator needs access.
type AdminAuth struct {
	digest [sha256.Size]byte
	hash   []byte
}

func NewAdminAuth(password, passwordHash string) (*AdminAuth, error) {
	switch {
	case passwordHash != "":
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return nil, err
		}
		return &AdminAuth{hash: []byte(passwordHash)}, nil
	case password != "":
		return &AdminAuth{digest: sha256.Sum256([]byte(password))}, nil
	default:
		return nil, errors.New("admin secret is empty")
	}
}

func (a *AdminAuth) Verify(candidate string) bool {
	if a.hash != nil {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(candidate)) == nil
	}
	sum := sha256.Sum256([]byte(candidate))
	return compareDigests(sum[:], a.digest[:]) == 1
}

// Authorize returns ErrUnauthorized unless candidate is the admin secret.
func (a *AdminAuth) Authorize(candidate string) error {
	if !a.Verify(candidate) {
		return ErrUnauthorized
	}
	return nil
}

// HashAdminPassword produces a value suitable for ADMIN_PASSWORD_HASH.
func HashAdminPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}
