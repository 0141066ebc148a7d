package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"sprout/internal/logs"
	"sprout/internal/message"
)

// PortOpener открывает низкоуровневый канал: tty для Serial, GATT-туннель
// для BLE. Само открытие порта/характеристики — забота деплоя, адаптеру
// нужен только поток байт.
type PortOpener func(ctx context.Context) (io.ReadWriteCloser, error)

// Stream — общий адаптер кадрированных транспортов (Serial, BLE): кадр —
// одна JSON-строка {"type": telemetry|command|ack, "data": ...}.
type Stream struct {
	name    string
	open    PortOpener
	sink    TelemetrySink
	waiters *ackWaiters

	mu   sync.Mutex
	port io.ReadWriteCloser
}

func NewSerial(open PortOpener, sink TelemetrySink) *Stream {
	return &Stream{name: "serial", open: open, sink: sink, waiters: newAckWaiters()}
}

func NewBLE(open PortOpener, sink TelemetrySink) *Stream {
	return &Stream{name: "ble", open: open, sink: sink, waiters: newAckWaiters()}
}

func (s *Stream) Name() string { return s.name }

// Init открывает порт и запускает читающий цикл; идемпотентен.
func (s *Stream) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInit, s.name, err)
	}
	s.port = port
	go s.readLoop(port)
	return nil
}

func (s *Stream) readLoop(port io.Reader) {
	sc := bufio.NewScanner(port)
	sc.Buffer(make([]byte, 0, 4096), 64<<10)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f wsFrame // тот же формат кадра, что и у websocket
		if err := json.Unmarshal(line, &f); err != nil {
			logs.Logger.Warnf("%s: bad frame: %v", s.name, err)
			continue
		}
		switch f.Type {
		case "telemetry":
			var t message.Telemetry
			if err := json.Unmarshal(f.Data, &t); err != nil {
				logs.Logger.Warnf("%s: bad telemetry: %v", s.name, err)
				continue
			}
			if t.TS == "" {
				t.TS = message.Now()
			}
			if err := s.sink(context.Background(), t); err != nil {
				logs.Logger.Warnf("%s: telemetry rejected: %v", s.name, err)
			}
		case "ack":
			var a message.Ack
			if err := json.Unmarshal(f.Data, &a); err != nil {
				logs.Logger.Warnf("%s: bad ack: %v", s.name, err)
				continue
			}
			s.waiters.resolve(a)
		}
	}
	if err := sc.Err(); err != nil {
		logs.Logger.Errorf("%s: read loop: %v", s.name, err)
	}
}

func (s *Stream) PublishTelemetry(ctx context.Context, t message.Telemetry) error {
	return s.sink(ctx, t)
}

// SendCommand пишет кадр в порт и ждёт ack.
func (s *Stream) SendCommand(ctx context.Context, c message.Command) (message.Ack, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return message.Ack{}, fmt.Errorf("%w: %s", ErrNotConnected, s.name)
	}

	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return message.Ack{}, fmt.Errorf("%w: marshal: %v", ErrDelivery, err)
	}
	raw, _ := json.Marshal(wsFrame{Type: "command", Data: data})
	raw = append(raw, '\n')

	s.waiters.register(c.CommandID)
	if _, err := port.Write(raw); err != nil {
		s.waiters.unregister(c.CommandID)
		return message.Ack{}, fmt.Errorf("%w: write: %v", ErrDelivery, err)
	}
	return s.waiters.wait(ctx, c.CommandID)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
