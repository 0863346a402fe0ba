package main

import (
	"context"
	"net/http"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/bitroll/execnode/engine"
	"github.com/bitroll/execnode/ids"
)

// rpcEngineClient is the concrete engine.Client wired in production: a
// thin typed wrapper over a JSON-RPC connection.
type rpcEngineClient struct {
	rpc *gethrpc.Client
}

// jwtAuth signs a fresh HS256 token for every outbound request, the
// standard authentication scheme for engine-facing JSON-RPC endpoints.
func jwtAuth(secret [32]byte) gethrpc.HTTPAuth {
	return func(h http.Header) error {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": jwt.NewNumericDate(time.Now()),
		})
		s, err := token.SignedString(secret[:])
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+s)
		return nil
	}
}

// dialEngineClient connects to the engine endpoint, authenticating with
// jwtSecret when one is configured.
func dialEngineClient(ctx context.Context, url string, jwtSecret *[32]byte) (*rpcEngineClient, error) {
	var opts []gethrpc.ClientOption
	if jwtSecret != nil {
		opts = append(opts, gethrpc.WithHTTPAuth(jwtAuth(*jwtSecret)))
	}
	c, err := gethrpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return &rpcEngineClient{rpc: c}, nil
}

func (c *rpcEngineClient) SubmitPayload(ctx context.Context, payload []byte) error {
	return c.rpc.CallContext(ctx, nil, "execnode_submitPayload", payload)
}

func (c *rpcEngineClient) UpdateConsensusState(ctx context.Context, state engine.ForkchoiceState) error {
	return c.rpc.CallContext(ctx, nil, "execnode_updateConsensusState", state)
}

func (c *rpcEngineClient) BlockExists(ctx context.Context, blockhash ids.BlockId) (bool, error) {
	var exists bool
	err := c.rpc.CallContext(ctx, &exists, "execnode_blockExists", blockhash)
	return exists, err
}

func (c *rpcEngineClient) Close() {
	c.rpc.Close()
}

var _ engine.Client = (*rpcEngineClient)(nil)
