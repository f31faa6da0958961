// Package version хранит сведения о сборке, проставляемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/reseller/internal/version.version=v1.2.0"
//
// Без ldflags commit и date берутся из VCS-меток, которые go build записывает в бинарник.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

const unknown = "unknown"

var (
	version = "dev"
	commit  = unknown
	date    = unknown

	readBuildInfo = debug.ReadBuildInfo
	resolveOnce   sync.Once
)

// resolve дополняет незаданные через ldflags поля из debug.BuildInfo.
func resolve() {
	resolveOnce.Do(func() {
		info, ok := readBuildInfo()
		if !ok {
			return
		}
		var dirty bool
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == unknown && s.Value != "" {
					commit = s.Value
				}
			case "vcs.time":
				if date == unknown && s.Value != "" {
					date = s.Value
				}
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if dirty && commit != unknown {
			commit += "-dirty"
		}
	})
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает commit сборки.
func GetCommit() string {
	resolve()
	return commit
}

// GetDate возвращает дату сборки.
func GetDate() string {
	resolve()
	return date
}

// Fields возвращает сведения о сборке для логов.
func Fields() log.Fields {
	return log.Fields{
		"version":    GetVersion(),
		"commit":     GetCommit(),
		"build_date": GetDate(),
	}
}

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", GetVersion(), GetCommit(), GetDate())
}
