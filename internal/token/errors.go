package token

import "github.com/ariesdockerd/ariesdockerd/internal/errs"

var (
	errExpired     = errs.New(errs.TokenExpired, "token expired")
	errMissingUser = errs.New(errs.MissingUser, "token missing user")
	errMissingKind = errs.New(errs.MissingKind, "token missing kind")
	errBadKind     = errs.New(errs.BadKind, "token kind must be user or daemon")
)

func errInvalid(cause error) *errs.CodeError {
	if cause == nil {
		return errs.New(errs.InvalidToken, "invalid token")
	}
	return errs.New(errs.InvalidToken, "invalid token: "+cause.Error())
}
