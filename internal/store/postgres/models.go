package postgres

type userRow struct {
	ID              string  `gorm:"primaryKey;size:64"`
	Name            string  `gorm:"not null"`
	Enabled         bool    `gorm:"not null"`
	Claimed         bool    `gorm:"not null"`
	Seq             int64   `gorm:"not null;index:idx_users_seq"`
	ReferredBy      *string `gorm:"size:64"`
	FirstEngagement *int64

	Confirmed []confirmedEdgeRow `gorm:"foreignKey:ReferrerID;references:ID;constraint:OnDelete:CASCADE"`
	Pending   []pendingEdgeRow   `gorm:"foreignKey:ReferrerID;references:ID;constraint:OnDelete:CASCADE"`
}

func (userRow) TableName() string { return "users" }

type confirmedEdgeRow struct {
	ReferrerID   string `gorm:"primaryKey;size:64"`
	ReferredID   string `gorm:"primaryKey;size:64;index:idx_confirmed_referred"`
	ConfirmedSeq int64  `gorm:"not null"`
	ConfirmedAt  int64  `gorm:"not null"`
}

func (confirmedEdgeRow) TableName() string { return "confirmed_edges" }

type pendingEdgeRow struct {
	ReferrerID string `gorm:"primaryKey;size:64"`
	ReferredID string `gorm:"primaryKey;size:64;index:idx_pending_referred"`
	CreatedAt  int64  `gorm:"not null;autoCreateTime:false"`
}

func (pendingEdgeRow) TableName() string { return "pending_edges" }

type addressRow struct {
	UserID  string `gorm:"primaryKey;size:64"`
	Address string `gorm:"not null"`
}

func (addressRow) TableName() string { return "user_addresses" }
