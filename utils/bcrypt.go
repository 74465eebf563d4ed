package utils

import "golang.org/x/crypto/bcrypt"

// Tenant ingest keys are stored hashed; the plain key is shown once at issuance.

func HashIngestKey(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func CompareIngestKey(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}
