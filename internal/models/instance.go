package models

import "time"

// InstanceSpec describes an ephemeral VM to be created by a cloud provider.
type InstanceSpec struct {
	Name     string
	Image    string
	Flavor   string
	OwnerTag string
	// UserData is the cloud-init document handed to the instance on first boot.
	UserData []byte
}

// Instance is what a provider returns after a successful create.
type Instance struct {
	ID        string
	Name      string
	Status    string
	CreatedAt time.Time
}

// RepositoryHost is the long-lived instance serving built packages.
type RepositoryHost struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}
