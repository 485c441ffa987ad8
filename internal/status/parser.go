package status

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Connection is one connected client as reported by the status file.
type Connection struct {
	Identity       string
	RealAddress    string
	VirtualAddress string
	BytesReceived  int64
	BytesSent      int64
	ConnectedSince time.Time // zero when the file's timestamp could not be parsed
}

// column positions in a CLIENT_LIST row, status-version 2 and 3
type clientColumns struct {
	name, real, virtual, received, sent, since, sinceT int
}

// OpenVPN 2.4+ layout:
// CLIENT_LIST,name,real,virtual,virtual6,recv,sent,since,since_t,username,client_id,peer_id,cipher
var defaultColumns = clientColumns{name: 1, real: 2, virtual: 3, received: 5, sent: 6, since: 7, sinceT: 8}

func columnsFromHeader(fields []string) clientColumns {
	cols := clientColumns{name: -1, real: -1, virtual: -1, received: -1, sent: -1, since: -1, sinceT: -1}
	// fields[0] is HEADER; a CLIENT_LIST row shares the remaining positions
	for i, f := range fields[1:] {
		switch strings.TrimSpace(f) {
		case "Common Name":
			cols.name = i
		case "Real Address":
			cols.real = i
		case "Virtual Address":
			cols.virtual = i
		case "Bytes Received":
			cols.received = i
		case "Bytes Sent":
			cols.sent = i
		case "Connected Since":
			cols.since = i
		case "Connected Since (time_t)":
			cols.sinceT = i
		}
	}
	if cols.name < 0 {
		return defaultColumns
	}
	return cols
}

// Parse reads an OpenVPN status file in any status-version (1, 2 or 3).
// Rows without a usable common name are skipped, and the first row wins
// when an identity appears more than once.
func Parse(r io.Reader, loc *time.Location) ([]Connection, error) {
	var (
		conns   []Connection
		index   = make(map[string]int)
		cols    = defaultColumns
		section string
	)

	add := func(c Connection) {
		if c.Identity == "" || c.Identity == "UNDEF" {
			return
		}
		if _, dup := index[c.Identity]; dup {
			return
		}
		index[c.Identity] = len(conns)
		conns = append(conns, c)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sep := ","
		if strings.HasPrefix(line, "CLIENT_LIST\t") || strings.HasPrefix(line, "HEADER\t") {
			sep = "\t"
		}
		fields := strings.Split(line, sep)

		switch {
		case fields[0] == "HEADER" && len(fields) > 1 && fields[1] == "CLIENT_LIST":
			cols = columnsFromHeader(fields)
			continue
		case fields[0] == "CLIENT_LIST":
			add(parseClientRow(fields, cols, loc))
			continue
		}

		// status-version 1
		switch {
		case line == "OpenVPN CLIENT LIST":
			section = "clients"
		case line == "ROUTING TABLE":
			section = "routing"
		case line == "GLOBAL STATS" || line == "END":
			section = ""
		case strings.HasPrefix(line, "Updated,") || strings.HasPrefix(line, "Common Name,") ||
			strings.HasPrefix(line, "Virtual Address,"):
		case section == "clients" && len(fields) >= 5:
			add(Connection{
				Identity:       strings.TrimSpace(fields[0]),
				RealAddress:    strings.TrimSpace(fields[1]),
				BytesReceived:  parseCounter(fields[2]),
				BytesSent:      parseCounter(fields[3]),
				ConnectedSince: parseSince(fields[4], "", loc),
			})
		case section == "routing" && len(fields) >= 2:
			// fill the virtual address from the first route owned by the client
			if i, ok := index[strings.TrimSpace(fields[1])]; ok && conns[i].VirtualAddress == "" {
				conns[i].VirtualAddress = strings.TrimSpace(fields[0])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return conns, nil
}

func parseClientRow(fields []string, cols clientColumns, loc *time.Location) Connection {
	get := func(i int) string {
		if i < 0 || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}
	return Connection{
		Identity:       get(cols.name),
		RealAddress:    get(cols.real),
		VirtualAddress: get(cols.virtual),
		BytesReceived:  parseCounter(get(cols.received)),
		BytesSent:      parseCounter(get(cols.sent)),
		ConnectedSince: parseSince(get(cols.since), get(cols.sinceT), loc),
	}
}

// parseSince prefers the epoch column when the file has one.
func parseSince(human, epoch string, loc *time.Location) time.Time {
	if epoch != "" {
		if t, ok := ParseConnectedSince(epoch, loc); ok {
			return t
		}
	}
	t, _ := ParseConnectedSince(human, loc)
	return t
}

func parseCounter(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
