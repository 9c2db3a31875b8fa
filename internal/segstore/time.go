package segstore

import "time"

func nowUnixMS() int64 {
	return time.Now().UnixMilli()
}
