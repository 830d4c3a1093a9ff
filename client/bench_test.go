package client

import (
	"context"
	"testing"

	"github.com/igxactly-forks/swiboe/codec"
)

func setupBench(b *testing.B, codecType codec.CodecType) *Client {
	_, path := startBroker(b)
	server := connect(b, path, WithCodec(codecType), WithHeartbeat(0))
	if err := server.NewRPC("bench.echo", echo(0)); err != nil {
		b.Fatal(err)
	}
	return connect(b, path, WithCodec(codecType), WithHeartbeat(0))
}

type benchArgs struct {
	A, B int
}

// Single goroutine, one call after the other.
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b, codec.CodecTypeJSON)
	args := &benchArgs{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		result, err := cli.Call(context.Background(), "bench.echo", args)
		if err != nil {
			b.Fatal(err)
		}
		if !result.IsOK() {
			b.Fatalf("unexpected result %v", result.Kind)
		}
	}
}

// Many goroutines sharing one connection.
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b, codec.CodecTypeJSON)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := &benchArgs{A: 1, B: 2}
		for pb.Next() {
			if _, err := cli.Call(context.Background(), "bench.echo", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkCodecs(b *testing.B) {
	for _, codecType := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgPack} {
		b.Run(codecType.String(), func(b *testing.B) {
			cli := setupBench(b, codecType)
			args := &benchArgs{A: 1, B: 2}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := cli.Call(context.Background(), "bench.echo", args); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
