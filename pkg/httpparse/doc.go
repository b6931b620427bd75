// Package httpparse is a small push parser for HTTP/1.x messages. It turns a
// byte stream into url, status, header, body and completion events without
// buffering bodies, which lets a caller inspect each piece before deciding
// whether to forward it.
package httpparse
