package hardware

import (
	"bytes"
	"io"
	"sync"
)

// MockPort 内存串口（用于测试）
// 写入的数据交给OnWrite回调，回调可通过Feed注入设备应答；
// 读端无数据时立即返回0字节，模拟带超时的串口读
type MockPort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	written bytes.Buffer
	closed  bool

	// OnWrite 每次Write后调用，入参为本次写入的完整内容
	OnWrite func(p []byte)
}

// NewMockPort 创建内存串口
func NewMockPort() *MockPort {
	return &MockPort{}
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	// 无数据即返回，与ReadTimeout到期的真实串口行为一致
	if m.rx.Len() == 0 {
		return 0, nil
	}
	return m.rx.Read(p)
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	m.written.Write(p)
	cb := m.OnWrite
	m.mu.Unlock()

	if cb != nil {
		cb(append([]byte(nil), p...))
	}
	return len(p), nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockPort) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx.Reset()
	return nil
}

// Feed 注入设备应答供后续Read读取
func (m *MockPort) Feed(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx.Write(p)
}

// Written 返回累计写入内容并清空记录
func (m *MockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]byte(nil), m.written.Bytes()...)
	m.written.Reset()
	return out
}
