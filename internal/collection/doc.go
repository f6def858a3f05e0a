// Package collection publishes finalized subject workspaces into a shared
// repository and seeds new staging workspaces from what was published
// before. Each subject occupies the branches sub-<label>/incoming,
// sub-<label>/incoming-native, sub-<label>/bids and sub-<label>/main.
package collection
