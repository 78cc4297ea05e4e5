package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
	NA       = "N/A"
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

// UUIDint64 returns a snowflake id for primary keys
func UUIDint64() int64 {
	idNodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		idNode = node
	})
	return idNode.Generate().Int64()
}

// IfEmptyStr returns defval when src is blank
func IfEmptyStr(src string, defval string) string {
	if strings.TrimSpace(src) == "" {
		return defval
	}
	return src
}

// StrPtr returns a pointer to s, nil when s is empty
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrVal dereferences p, empty string for nil
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
