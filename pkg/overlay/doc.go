// Package overlay is a key-expression routed publish-subscribe and query
// network.
//
// A Router forwards frames between attached Sessions. Sessions attach either
// in-process (Router.Connect) or over a gRPC bidirectional stream (Dial
// against a Server). Each session can declare:
//
//   - publishers, which put payloads on a concrete key;
//   - subscribers, which buffer payloads whose key intersects their key
//     expression, optionally restricted to local or remote origin;
//   - queryables, which answer Get requests from any session.
//
// Key expressions are '/'-separated chunks where '*' matches one chunk and
// '**' matches any number of chunks.
//
// gRPC links are plaintext unless Config.TLS and ServerConfig.TLS are set.
package overlay
