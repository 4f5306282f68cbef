// Package model はドメインモデルを定義する。
package model

import "time"

// Profile はユーザーのプロフィールドキュメントを表す。
// サインアップ時に作成され、ログイン中はライブ購読でローカルに同期される。
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	Bio       string    `json:"bio"`
	Pronouns  string    `json:"pronouns"`
	AvatarURL string    `json:"avatarUrl"`
	Online    bool      `json:"online"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProfileField は個別に更新可能なプロフィール項目を表す。
type ProfileField string

const (
	FieldName     ProfileField = "name"
	FieldAvatar   ProfileField = "avatarUrl"
	FieldPhone    ProfileField = "phone"
	FieldAddress  ProfileField = "address"
	FieldBio      ProfileField = "bio"
	FieldPronouns ProfileField = "pronouns"
)

// ParseProfileField は文字列を更新可能なプロフィール項目に変換する。
// "avatar" は "avatarUrl" の別名として受け付ける。
func ParseProfileField(s string) (ProfileField, bool) {
	switch s {
	case "name":
		return FieldName, true
	case "avatar", "avatarUrl":
		return FieldAvatar, true
	case "phone":
		return FieldPhone, true
	case "address":
		return FieldAddress, true
	case "bio":
		return FieldBio, true
	case "pronouns":
		return FieldPronouns, true
	default:
		return "", false
	}
}

// RequiresValue は空文字を許可しない項目の場合にtrueを返す。
func (f ProfileField) RequiresValue() bool {
	return f == FieldName || f == FieldAvatar || f == FieldPhone
}

// FreeText はサニタイズ対象の自由入力項目の場合にtrueを返す。
func (f ProfileField) FreeText() bool {
	return f == FieldAddress || f == FieldBio || f == FieldPronouns
}

// Apply はプロフィールのコピーに値を反映して返す。
func (p Profile) Apply(f ProfileField, value string) Profile {
	switch f {
	case FieldName:
		p.Name = value
	case FieldAvatar:
		p.AvatarURL = value
	case FieldPhone:
		p.Phone = value
	case FieldAddress:
		p.Address = value
	case FieldBio:
		p.Bio = value
	case FieldPronouns:
		p.Pronouns = value
	}
	return p
}

// FriendshipStatus は友達関係の状態を表す。
type FriendshipStatus string

const (
	// FriendshipPending は承認待ちの状態。
	FriendshipPending FriendshipStatus = "pending"
	// FriendshipAccepted は承認済みの状態。
	FriendshipAccepted FriendshipStatus = "accepted"
)

// Friendship は2ユーザー間の友達関係を表す。
// 送信者のリクエストで作成され、受信者の承認で accepted に遷移する。
type Friendship struct {
	ID         string           `json:"id"`
	SenderID   string           `json:"senderId"`
	ReceiverID string           `json:"receiverId"`
	Status     FriendshipStatus `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Involves は指定ユーザーが関係の当事者である場合にtrueを返す。
func (f Friendship) Involves(uid string) bool {
	return f.SenderID == uid || f.ReceiverID == uid
}

// FriendshipID は2ユーザーの組から一意なドキュメントIDを生成する。
// 順序に依存しないため、同じ組に重複したエッジは作られない。
func FriendshipID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}
