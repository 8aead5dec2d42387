package client

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// connPool caches one gRPC connection per address.
type connPool struct {
	mu          sync.RWMutex
	connections map[string]*grpc.ClientConn
	dialOpts    []grpc.DialOption
}

func newConnPool(opts ...grpc.DialOption) *connPool {
	return &connPool{
		connections: make(map[string]*grpc.ClientConn),
		dialOpts: append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, opts...),
	}
}

func (p *connPool) get(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, exists := p.connections[addr]
	p.mu.RUnlock()
	if exists {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.connections[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	p.connections[addr] = conn
	return conn, nil
}

// drop closes and forgets the connection to addr, used when a node's
// address changes.
func (p *connPool) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.connections[addr]; ok {
		conn.Close()
		delete(p.connections, addr)
	}
}

func (p *connPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, conn := range p.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.connections, addr)
	}
	return firstErr
}
