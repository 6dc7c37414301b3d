package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewSessionID() string {
	return newID("sess")
}

func NewExecutionID() string {
	return newID("exec")
}

func NewCommandID() string {
	return newID("cmd")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}

// NewIngestToken returns a bearer token for the wrapper's /ingest connection.
func NewIngestToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ingest token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
