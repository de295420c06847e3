package models

import "time"

// Client is an authenticated owner of tasks.
type Client struct {
	ID           string    `json:"id"`
	Audience     string    `json:"audience"`
	SecretHash   string    `json:"-"`
	MaxActive    int       `json:"max_active_tasks"`
	CreatedAt    time.Time `json:"created_at"`
}
