package riotapi

import "github.com/lolapi/riotapi-go/internal/reqengine"

// ResponseInfo is the result of one request: the raw response the caller
// is responsible for reading and closing, how many retries it took, and
// whether the server used the "success, no content" convention (204/404)
// in place of a real payload.
type ResponseInfo = reqengine.ResponseInfo
