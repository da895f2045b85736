// Package proto holds the LLM gateway gRPC contract. The Go bindings
// are generated from llm.proto.
package proto

//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative llm.proto
