// Package config provides the configuration of memline sessions.
//
// Configuration is layered, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← MEMLINE_SWAP_PAGE_SIZE=1024
//	├─────────────────────────────┤
//	│  2. Config File             │  ← ~/.config/memline/memline.toml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// Files may be TOML, YAML or JSON with comments; see the loader
// sub-package.
//
//	# memline.toml
//	[swap]
//	page_size = 4096
//	fsync = true
//	update_count = 200
//	update_time = "4s"
//
//	[cache]
//	max_blocks = 512
//
//	[chunk]
//	target_lines = 800
//	tolerance = 0.5
//
//	[logging]
//	level = "info"
//
// Environment variables are named MEMLINE_<SECTION>_<KEY>, for example
// MEMLINE_CHUNK_TARGET_LINES. MEMLINE_SWAP sets swap.enabled and
// MEMLINE_LOG_LEVEL sets logging.level.
//
// Load validates the result; problems are returned as *ValidationError
// values joined into one error.
package config
