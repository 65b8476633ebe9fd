package workspace

import (
	"database/sql"
	"errors"
	"log"

	"agentdesk/internal/service/agents"
)

// Service handles users, projects, provider keys and uploaded attachments.
type Service struct {
	db     *sql.DB
	agents *agents.Registry
	sealer *keySealer // nil stores provider keys as plaintext
}

// NewService builds the workspace service. Provider keys are encrypted when
// AGENTDESK_APIKEY_KEY is set; a malformed key is an error.
func NewService(db *sql.DB, registry *agents.Registry) (*Service, error) {
	sealer, err := newKeySealerFromEnv()
	if err != nil {
		if !errors.Is(err, errSealKeyNotSet) {
			return nil, err
		}
		log.Printf("warning: %s not set, provider keys are stored unencrypted", keySealEnv)
	}
	if registry == nil {
		registry = agents.NewRegistry(db)
	}
	return &Service{db: db, agents: registry, sealer: sealer}, nil
}
