package sync

import (
	"time"

	"notesync/internal/cache"
)

// meta 一侧的文件状态，nil 表示不存在
type meta struct {
	Checksum string
	ModTime  time.Time
}

// compare 决策函数：本地、远端、上次同步快照三方比较
func compare(local, remote *meta, base *cache.Snapshot) OpType {
	// 1. 没有快照 -> 首次同步或快照丢失
	if base == nil {
		switch {
		case local != nil && remote == nil:
			return OpUpload
		case local == nil && remote != nil:
			return OpDownload
		case local != nil && remote != nil:
			// 内容一致时由调用方静默重建快照
			if local.Checksum == remote.Checksum {
				return OpIgnore
			}
			return OpConflict
		}
		return OpIgnore
	}

	// 2. 本地已消失
	if local == nil {
		if remote == nil {
			return OpIgnore
		}
		if remote.Checksum == base.Checksum {
			return OpDeleteRemote
		}
		// 本地删除了，远端又改过: 修改优先
		return OpDownload
	}

	// 3. 远端已消失
	if remote == nil {
		if local.Checksum == base.Checksum {
			return OpDeleteLocal
		}
		return OpUpload
	}

	// 4. 双向存在，检查具体变更
	localChanged := local.Checksum != base.Checksum
	remoteChanged := remote.Checksum != base.Checksum

	switch {
	case !localChanged && !remoteChanged:
		return OpIgnore
	case localChanged && !remoteChanged:
		return OpUpload
	case !localChanged && remoteChanged:
		return OpDownload
	}

	// 两侧改成了同样的内容
	if local.Checksum == remote.Checksum {
		return OpIgnore
	}
	return OpConflict
}
