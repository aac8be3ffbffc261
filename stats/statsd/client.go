// Package statsd provides a client that sends basic StatsD metrics (timer, counter, and gauge)
// to a listening UDP StatsD server.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package statsd

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/NVIDIA/pma/cmn/debug"

	"github.com/pkg/errors"
)

// MetricType is the type of StatsD metric
type MetricType int

const (
	Timer MetricType = iota
	Counter
	Gauge
	// gauge that is increased every time by the value
	PersistentCounter
)

// max UDP payload that is safe to send without fragmentation
const maxPacketSize = 1432

type (
	// Client implements a StatsD client
	Client struct {
		conn   *net.UDPConn
		prefix string
		opened bool // true if the connection with StatsD is successfully opened
	}

	// Metric is a generic structure for all types of StatsD metrics
	Metric struct {
		Type  MetricType // timer, counter, or gauge
		Name  string     // name for this particular metric
		Value any
	}
)

// New resolves server and self's address and dials the server;
// caller needs to call Close
func New(ip string, port int, prefix string) (*Client, error) {
	server, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "statsd")
	}
	self, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "statsd")
	}
	conn, err := net.DialUDP("udp", self, server)
	if err != nil {
		return nil, errors.Wrap(err, "statsd")
	}
	return &Client{conn: conn, prefix: prefix, opened: true}, nil
}

func (c *Client) Close() error {
	if !c.opened {
		return nil
	}
	c.opened = false
	return c.conn.Close()
}

// Send sends metrics to the StatsD server, splitting them into packets as needed;
// returns the first write error, if any
func (c *Client) Send(bucket string, metrics ...Metric) (err error) {
	if !c.opened {
		return nil
	}
	var packet bytes.Buffer

	// ":" is not allowed: it would be treated as a value separator
	bucket = strings.ReplaceAll(bucket, ":", "_")

	for _, m := range metrics {
		var t, prefix string
		switch m.Type {
		case Timer:
			t = "ms"
		case Counter:
			t = "c"
		case Gauge:
			t = "g"
		case PersistentCounter:
			prefix = "+"
			t = "g"
		default:
			debug.Assertf(false, "unknown metric type %d", m.Type)
			continue
		}
		line := fmt.Sprintf("%s.%s.%s:%s%v|%s", c.prefix, bucket, m.Name, prefix, m.Value, t)
		if packet.Len() > 0 && packet.Len()+len(line)+1 > maxPacketSize {
			if _, e := c.conn.Write(packet.Bytes()); e != nil && err == nil {
				err = e
			}
			packet.Reset()
		}
		if packet.Len() > 0 {
			packet.WriteByte('\n')
		}
		packet.WriteString(line)
	}
	if packet.Len() > 0 {
		if _, e := c.conn.Write(packet.Bytes()); e != nil && err == nil {
			err = e
		}
	}
	return
}
