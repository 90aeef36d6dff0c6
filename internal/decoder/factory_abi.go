package decoder

// FactoryABI 三个工厂合约共用的子合约创建事件
const FactoryABI = `[
  {
    "type": "event",
    "name": "BroadcastSubContractCreated",
    "anonymous": false,
    "inputs": [
      {"name": "parentContract", "type": "address", "indexed": true},
      {"name": "subContractAddr", "type": "address", "indexed": true},
      {"name": "version", "type": "uint256", "indexed": false},
      {"name": "creator", "type": "address", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PublicSubContractCreated",
    "anonymous": false,
    "inputs": [
      {"name": "parentContract", "type": "address", "indexed": true},
      {"name": "subContractAddr", "type": "address", "indexed": true},
      {"name": "version", "type": "uint256", "indexed": false},
      {"name": "creator", "type": "address", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PrivateSubContractCreated",
    "anonymous": false,
    "inputs": [
      {"name": "parentContract", "type": "address", "indexed": true},
      {"name": "subContractAddr", "type": "address", "indexed": true},
      {"name": "version", "type": "uint256", "indexed": false},
      {"name": "creator", "type": "address", "indexed": false}
    ]
  }
]`
