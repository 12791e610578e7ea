// disk_usage.go — получение информации об ёмкости диска под директорией
// загрузок. Платформозависимый код для Unix-подобных систем.
package main

import (
	"fmt"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// diskBytes — ёмкость файловой системы директории загрузок.
var diskBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "us_upload_dir_disk_bytes",
	Help: "Ёмкость файловой системы директории загрузок в байтах",
}, []string{"kind"})

// getDiskUsage возвращает информацию о дисковом пространстве в директории.
// Возвращает total, used, available в байтах.
func getDiskUsage(path string) (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)
	used = total - available

	return total, used, available, nil
}

// reportDiskUsage снимает показатели диска и выставляет метрики.
func reportDiskUsage(path string) (total, used, available int64, err error) {
	total, used, available, err = getDiskUsage(path)
	if err != nil {
		return 0, 0, 0, err
	}
	diskBytes.WithLabelValues("total").Set(float64(total))
	diskBytes.WithLabelValues("used").Set(float64(used))
	diskBytes.WithLabelValues("available").Set(float64(available))
	return total, used, available, nil
}
