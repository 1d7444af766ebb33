// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 账户类型
const (
	AccountTypeAdmin = "Admin"
	AccountTypeUser  = "User"
)

// User 对应于数据库中的 'users' 表。
// PublicID 是对外暴露的标识，限流计数器也以它为键。
type User struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	PublicID    string    `gorm:"type:char(36);uniqueIndex;not null" json:"public_id"`
	Email       string    `gorm:"type:varchar(254);uniqueIndex;not null" json:"email"`
	FirstName   string    `gorm:"type:varchar(50)" json:"first_name"`
	LastName    string    `gorm:"type:varchar(50)" json:"last_name"`
	Password    string    `gorm:"type:varchar(255)" json:"-"`
	AccountType string    `gorm:"type:varchar(10);not null;default:User" json:"account_type"`
	IsActive    bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// Interest 是可供用户选择的兴趣（偏好）条目。
type Interest struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Title       string `gorm:"type:varchar(255);uniqueIndex;not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`
}

func (Interest) TableName() string {
	return "interests"
}

// UserInterest 关联用户与兴趣，(user_id, interest_id) 唯一。
type UserInterest struct {
	ID         uint     `gorm:"primaryKey"`
	UserID     uint     `gorm:"not null;uniqueIndex:idx_user_interest"`
	InterestID uint     `gorm:"not null;uniqueIndex:idx_user_interest"`
	Interest   Interest `gorm:"foreignKey:InterestID"`
}

func (UserInterest) TableName() string {
	return "user_interests"
}
