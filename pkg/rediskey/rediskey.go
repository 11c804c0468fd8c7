package rediskey

import "fmt"

const (
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{prefix}:{scope}:{day}", one counter per
// prefix, scope (guild) and UTC day.
func BuildSequenceKey(prefix, scope, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s:%s", prefix, scope, day))
}
