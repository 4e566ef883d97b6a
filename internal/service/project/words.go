package project

import "math/rand/v2"

var adjectives = []string{
	"amber", "ancient", "bold", "brave", "bright", "calm", "clever", "cosmic", "crimson", "curious",
	"daring", "eager", "early", "fancy", "fierce", "gentle", "gleaming", "golden", "grand", "happy",
	"hidden", "humble", "icy", "jolly", "keen", "kind", "lively", "lucky", "mellow", "misty",
	"nimble", "noble", "odd", "polite", "proud", "quick", "quiet", "rapid", "rustic", "shiny",
	"silent", "silver", "sleek", "smooth", "snowy", "solar", "steady", "swift", "tidy", "vivid",
	"wild", "wise", "witty", "young", "zesty",
}

var nouns = []string{
	"badger", "bear", "beacon", "bison", "canyon", "cedar", "comet", "coral", "crane", "delta",
	"dolphin", "eagle", "ember", "falcon", "fern", "fox", "glacier", "harbor", "hawk", "heron",
	"island", "jaguar", "koala", "lagoon", "lion", "lynx", "maple", "meadow", "meteor", "moose",
	"nebula", "orca", "otter", "owl", "panda", "pebble", "pine", "planet", "quartz", "raven",
	"reef", "river", "robin", "salmon", "sparrow", "summit", "tiger", "tundra", "valley", "walrus",
	"willow", "wolf", "yak", "zebra",
}

// randomName returns an adjective-noun pair.
func randomName() string {
	return adjectives[rand.IntN(len(adjectives))] + "-" + nouns[rand.IntN(len(nouns))]
}
