// Package identity 从平台 openid 派生内部用户 ID 与推广码，并生成订单号。
//
// 派生结果是确定性的：同一 openid 在任何实例上得到相同的 user_id 与稳定推广码。
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

const (
	userIDPrefix        = "USER"
	promotionCodePrefix = "PET"
	tempCodePrefix      = "TEMP_"
)

func md5Upper(s string) string {
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// UserID 返回 "USER" + md5(openid) 前 10 位（大写）。
func UserID(openid string) string {
	openid = strings.TrimSpace(openid)
	if openid == "" {
		return ""
	}
	return userIDPrefix + md5Upper(openid)[:10]
}

// StablePromotionCode 返回首单后使用的正式推广码。
func StablePromotionCode(openid string) string {
	openid = strings.TrimSpace(openid)
	if openid == "" {
		return ""
	}
	return promotionCodePrefix + md5Upper(openid)[:5]
}

// TempPromotionCode 返回首单前的占位推广码；占位码不参与分佣。
func TempPromotionCode(userID string) string {
	userID = strings.TrimSpace(userID)
	if len(userID) > 6 {
		userID = userID[len(userID)-6:]
	}
	return tempCodePrefix + userID
}

func IsTempPromotionCode(code string) bool {
	return strings.HasPrefix(code, tempCodePrefix)
}
