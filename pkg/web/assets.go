package web

import "embed"

// Assets holds the status page served at / in web mode
//
//go:embed ui
var Assets embed.FS
