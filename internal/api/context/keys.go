package context

import (
	stdcontext "context"

	"github.com/julienschmidt/httprouter"
)

type Key string

const (
	Claims Key = "claims"
	Tenant Key = "tenant"
	Params Key = "params"
)

// Param returns the named route parameter stored by the router, or "".
func Param(ctx stdcontext.Context, name string) string {
	params, _ := ctx.Value(Params).(httprouter.Params)
	return params.ByName(name)
}
