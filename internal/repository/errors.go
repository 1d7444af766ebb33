// Package repository 提供了数据访问层的实现。
package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound 表示查询的记录不存在（或不属于当前用户）。
var ErrNotFound = errors.New("record not found")

// translate 把 GORM 的未找到错误统一转换为 ErrNotFound。
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
