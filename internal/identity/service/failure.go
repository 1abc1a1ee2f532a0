package service

import "dineops/backend/internal/autherr"

// failure pairs the coarse error returned to callers with diagnostic detail for the audit log.
type failure struct {
	kind   *autherr.Error
	detail string
}

func fault(kind *autherr.Error, detail string) *failure {
	return &failure{kind: kind, detail: detail}
}

func (f *failure) Error() string { return string(f.kind.Kind) + ": " + f.detail }

func (f *failure) Unwrap() error { return f.kind }

// coarse strips detail from err, returning only its autherr sentinel.
func coarse(err error) error {
	switch autherr.KindOf(err) {
	case "":
		return nil
	case autherr.KindInvalidCredentials:
		return autherr.ErrInvalidCredentials
	case autherr.KindInvalidState:
		return autherr.ErrInvalidState
	case autherr.KindExpiredAttempt:
		return autherr.ErrExpiredAttempt
	case autherr.KindSignatureMismatch:
		return autherr.ErrSignatureMismatch
	case autherr.KindUntrustedIssuer:
		return autherr.ErrUntrustedIssuer
	case autherr.KindClaimsMapping:
		return autherr.ErrClaimsMapping
	case autherr.KindRateLimited:
		return autherr.ErrRateLimited
	default:
		return autherr.ErrInternal
	}
}
