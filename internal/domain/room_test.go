package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomPredicates(t *testing.T) {
	cases := []struct {
		room  string
		user  bool
		topic bool
	}{
		{UserRoom("u1"), true, false},
		{TopicRoom("12", "cleaning"), false, true},
		{"user:", false, false},
		{"location:12", false, false},
		{"location:12:category:", false, false},
		{"location:1:2:category:x", false, false},
		{"lobby", false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.user, IsUserRoom(tc.room), tc.room)
		assert.Equal(t, tc.topic, IsTopicRoom(tc.room), tc.room)
	}
}
