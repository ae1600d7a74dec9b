package rpc

import (
	"net/http"

	"github.com/gorilla/context"
	gorillarpc "github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json"
)

type (
	// Codec wraps the gorilla JSON codec to record the RPC method on the
	// request context, so the access logger can include it.
	Codec struct {
		*json.Codec
	}
)

// NewCodec creates the wrapping codec.
func NewCodec() *Codec {
	return &Codec{json.NewCodec()}
}

// NewRequest decodes the request and stashes the method name.
func (c *Codec) NewRequest(r *http.Request) gorillarpc.CodecRequest {
	cr := c.Codec.NewRequest(r)
	if method, err := cr.Method(); err == nil {
		context.Set(r, RPCPath, method)
	}
	return cr
}
