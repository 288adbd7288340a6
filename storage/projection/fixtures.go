package projection

import "escrow-backend/core/marketplace"

// DefaultIdentities is the built-in participant directory.
func DefaultIdentities() []marketplace.Identity {
	return []marketplace.Identity{
		{ID: 1, Name: "Neeraj Srivastava", Address: "0x1111111111111111111111111111111111111111", Avatar: "👨🏽‍💻"},
		{ID: 2, Name: "Florent Thevenin", Address: "0x2222222222222222222222222222222222222222", Avatar: "👨🏻‍🎨"},
		{ID: 3, Name: "Soheil Ahmadi", Address: "0x3333333333333333333333333333333333333333", Avatar: "🧔🏻‍♂️"},
		{ID: 4, Name: "Samir Azizi", Address: "0x4444444444444444444444444444444444444444", Avatar: "👨🏾‍💼"},
		{ID: 5, Name: "Owolabi Adeniran", Address: "0x5555555555555555555555555555555555555555", Avatar: "👨🏿‍💻"},
	}
}
