package tableflow

import (
	"github.com/aws/aws-sdk-go/aws/session"
	log "github.com/sirupsen/logrus"
)

// CredentialBundle carries delegation tokens for acting against the
// store on behalf of the submitting user, plus named secret material.
// Two bundles reach a worker: the driver-ambient bundle captured when
// the job was constructed, and the bundle carried with the snapshot
// (tokens acquired while preparing store access).
type CredentialBundle struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Secrets         map[string][]byte
}

// captureAmbientCredentials reads the current process identity from the
// default AWS credential chain. Returns nil when no credentials are
// available, which downgrades workers to their own ambient identity.
func captureAmbientCredentials() *CredentialBundle {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		log.Warnf("Unable to open session for credential capture: %s", err)
		return nil
	}

	value, err := sess.Config.Credentials.Get()
	if err != nil {
		log.Debugf("No ambient credentials to capture: %s", err)
		return nil
	}

	return &CredentialBundle{
		AccessKeyID:     value.AccessKeyID,
		SecretAccessKey: value.SecretAccessKey,
		SessionToken:    value.SessionToken,
	}
}

// merge combines b with other, preferring other's token fields when set.
// Secret keys are unioned, with other winning on name collisions.
func (b *CredentialBundle) merge(other *CredentialBundle) *CredentialBundle {
	if b == nil {
		return other
	}
	if other == nil {
		return b
	}

	merged := &CredentialBundle{
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		SessionToken:    b.SessionToken,
	}
	if other.AccessKeyID != "" {
		merged.AccessKeyID = other.AccessKeyID
		merged.SecretAccessKey = other.SecretAccessKey
		merged.SessionToken = other.SessionToken
	}

	if b.Secrets != nil || other.Secrets != nil {
		merged.Secrets = make(map[string][]byte, len(b.Secrets)+len(other.Secrets))
		for name, secret := range b.Secrets {
			merged.Secrets[name] = secret
		}
		for name, secret := range other.Secrets {
			merged.Secrets[name] = secret
		}
	}

	return merged
}

// injectCredentials applies the delegated credentials into this worker
// process's identity, at most once per process lifetime. The merged
// bundle becomes the identity every subsequent connection authenticates
// with, and the identity is marked delegated rather than primary.
// Injection with no credentials at all is silently skipped.
func injectCredentials(proc *processState, ambient *CredentialBundle, taskCarried *CredentialBundle) {
	proc.mu.Lock()
	defer proc.mu.Unlock()

	if proc.injected {
		return
	}
	if ambient == nil && taskCarried == nil {
		return
	}
	proc.injected = true

	proc.creds = ambient.merge(taskCarried)
	proc.delegated = true
	log.Debug("Injected delegated credentials into worker identity")
}
