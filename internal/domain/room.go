package domain

import "strings"

const (
	userRoomPrefix     = "user:"
	locationRoomPrefix = "location:"
	categorySeparator  = ":category:"
)

// UserRoom returns the personal room id for a user.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// TopicRoom returns the room id for a location and service category.
func TopicRoom(locationID, category string) string {
	return locationRoomPrefix + locationID + categorySeparator + category
}

// IsUserRoom reports whether roomID names a personal room.
func IsUserRoom(roomID string) bool {
	userID, ok := strings.CutPrefix(roomID, userRoomPrefix)
	return ok && userID != ""
}

// IsTopicRoom reports whether roomID names a location+category room.
func IsTopicRoom(roomID string) bool {
	rest, ok := strings.CutPrefix(roomID, locationRoomPrefix)
	if !ok {
		return false
	}
	locationID, category, ok := strings.Cut(rest, categorySeparator)
	return ok && validSegment(locationID) && validSegment(category)
}

func validSegment(v string) bool {
	return v != "" && !strings.Contains(v, ":")
}
