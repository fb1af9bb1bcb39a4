// Package models defines the domain types for Pictura.
package models

import (
	"net/url"
	"time"
)

// Image is a stored image and its database attributes. Blob is only populated
// when the bytes have been loaded from storage.
type Image struct {
	User            string         `json:"user"`
	ImageIdentifier string         `json:"imageIdentifier"`
	Checksum        string         `json:"checksum"`
	MimeType        string         `json:"mime"`
	Extension       string         `json:"extension"`
	Size            int64          `json:"size"`
	Width           int            `json:"width"`
	Height          int            `json:"height"`
	Added           time.Time      `json:"added"`
	Updated         time.Time      `json:"updated"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Blob            []byte         `json:"-"`
}

// ShortURL maps a short identifier to a fully parameterised image reference.
type ShortURL struct {
	ID              string     `json:"id"`
	User            string     `json:"user"`
	ImageIdentifier string     `json:"imageIdentifier"`
	Extension       string     `json:"extension,omitempty"`
	Query           url.Values `json:"query,omitempty"`
}

// Error is the structured error body rendered by the response formatters.
type Error struct {
	Status          int       `json:"code" xml:"code"`
	Message         string    `json:"message" xml:"message"`
	Date            time.Time `json:"date" xml:"date"`
	Code            int       `json:"errorCode" xml:"errorCode"`
	ImageIdentifier string    `json:"imageIdentifier,omitempty" xml:"imageIdentifier,omitempty"`
}

// User summarises an account.
type User struct {
	PublicKey    string    `json:"publicKey"`
	NumImages    int       `json:"numImages"`
	LastModified time.Time `json:"lastModified"`
}
