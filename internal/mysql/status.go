package mysql

import (
	"fmt"
	"strings"
)

// Status is one row of a SHOW ... STATUS result, keeping column order.
type Status struct {
	Columns []string
	Values  map[string]string
}

func (s *Status) Empty() bool {
	return s == nil || len(s.Columns) == 0
}

func (s *Status) Get(column string) string {
	if s == nil {
		return ""
	}
	return s.Values[column]
}

// Text renders the row the way the mysql client prints it with \G.
func (s *Status) Text() string {
	if s.Empty() {
		return ""
	}
	width := 0
	for _, c := range s.Columns {
		if len(c) > width {
			width = len(c)
		}
	}
	var b strings.Builder
	b.WriteString("*************************** 1. row ***************************\n")
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "%*s: %s\n", width, c, s.Values[c])
	}
	return b.String()
}

// ReplicaPosition is the replica wiring needed to point a restored copy back
// at its source.
type ReplicaPosition struct {
	Host    string
	Port    string
	User    string
	LogFile string
	LogPos  string
}

// Position extracts the applied position from SHOW SLAVE STATUS.
func (s *Status) Position() ReplicaPosition {
	return ReplicaPosition{
		Host:    s.Get("Master_Host"),
		Port:    s.Get("Master_Port"),
		User:    s.Get("Master_User"),
		LogFile: s.Get("Relay_Master_Log_File"),
		LogPos:  s.Get("Exec_Master_Log_Pos"),
	}
}

// ResumeStatement renders a CHANGE MASTER statement resuming replication at
// this position. The password is never included.
func (p ReplicaPosition) ResumeStatement() string {
	port := ""
	if p.Port != "" {
		port = fmt.Sprintf(" MASTER_PORT=%s,", p.Port)
	}
	return fmt.Sprintf("CHANGE MASTER TO MASTER_HOST='%s',%s MASTER_USER='%s', MASTER_PASSWORD='<redacted>', MASTER_LOG_FILE='%s', MASTER_LOG_POS=%s;",
		p.Host, port, p.User, p.LogFile, p.LogPos)
}
